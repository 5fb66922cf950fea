package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/conversation"
	"parley/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	adminAddr = "127.0.0.1:18888"
	apiAddr   = "127.0.0.1:18887"
)

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PARLEY_DB", filepath.Join(dir, "integration.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil, &bytes.Buffer{})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	waitForServer(t, fmt.Sprintf("http://%s/admin/online", adminAddr), 50)

	// Step 1: create accounts through the admin API
	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"--add-user", "alice@example.com", "--password", "secret1", "--username", "alice"}, &out))
	require.Contains(t, out.String(), "Username: alice")
	require.NoError(t, run(ctx, []string{"--add-user", "bob@example.com", "--password", "secret2", "--username", "bob"}, &out))

	// Step 2: login
	aliceToken := login(t, "alice@example.com", "secret1")
	bobToken := login(t, "bob@example.com", "secret2")

	// Step 3: open sessions
	alice := dial(t, aliceToken)
	aliceUser := authUser(t, alice)
	require.Equal(t, "alice", aliceUser.Username)

	bob := dial(t, bobToken)
	bobUser := authUser(t, bob)
	require.Equal(t, "bob", bobUser.Username)

	// Step 4: befriend
	send(t, alice, "send-friend-request", map[string]string{"username": "bob"})
	next(t, alice, "status-success")
	req := next(t, bob, "new-request")
	var requester models.Profile
	require.NoError(t, json.Unmarshal(req.Payload, &requester))
	require.Equal(t, aliceUser.ID, requester.ID)

	send(t, bob, "accept-friend-request", map[string]string{"senderId": aliceUser.ID})
	next(t, bob, "reload-data")
	next(t, alice, "reload-data")

	// Step 5: message
	conv := conversation.ID(aliceUser.ID, bobUser.ID)
	send(t, bob, "get-messages", map[string]string{"conversationId": conv})
	next(t, bob, "messages-history")

	send(t, alice, "send-message", map[string]string{"conversationId": conv, "text": "**hi** bob"})
	msg := next(t, bob, "new-message")
	var posted models.NewMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &posted))
	require.Equal(t, "**hi** bob", posted.Message.Text)
	require.Contains(t, posted.Message.HTML, "<strong>hi</strong>")

	// Step 6: presence visible to admin
	resp, err := http.Get(fmt.Sprintf("http://%s/admin/online", adminAddr))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var online api.OnlineResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&online))
	require.ElementsMatch(t, []string{aliceUser.ID, bobUser.ID}, online.Online)
}

func login(t *testing.T, email, password string) string {
	t.Helper()
	body, _ := json.Marshal(auth.LoginRequest{Email: email, Password: password})
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/login", apiAddr), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.NotEmpty(t, loginResp.Token)
	return loginResp.Token
}

func dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", apiAddr), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func authUser(t *testing.T, conn *websocket.Conn) models.User {
	t.Helper()
	msg := next(t, conn, "auth-success")
	var payload struct {
		User models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload.User
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wireMessage{Type: typ, Payload: raw}))
}

// next reads until a message of type typ arrives, skipping presence chatter.
func next(t *testing.T, conn *websocket.Conn, typ string) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg wireMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
		require.NotEqual(t, "status-error", msg.Type, "unexpected error: %s", string(msg.Payload))
		if !strings.HasSuffix(msg.Type, "status") && msg.Type != "online-status" {
			t.Logf("skipping %s while waiting for %s", msg.Type, typ)
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
