package ws

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/relations"
	"parley/internal/signaling"
	"parley/internal/storage"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens map[string]string

func (f fakeTokens) GetUserID(token string) (string, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return "", models.ErrUnauthorized
}

type testEnv struct {
	ctx     context.Context
	store   *storage.BboltStorage
	gateway *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	for _, u := range []models.User{
		{ID: "user-a", Email: "a@example.com", Username: "Alice"},
		{ID: "user-b", Email: "b@example.com", Username: "Bob"},
		{ID: "user-c", Email: "c@example.com", Username: "Carol"},
	} {
		require.NoError(t, store.CreateCredentials(auth.Credentials{User: u, PasswordHash: "x"}))
	}

	registry := presence.New()
	convs := conversation.NewManager(store, registry)
	g := NewGateway(Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}, Services{
		Tokens:    fakeTokens{"tok-a": "user-a", "tok-b": "user-b", "tok-c": "user-c"},
		Users:     store,
		Presence:  registry,
		Relations: relations.NewManager(store, registry, convs),
		Convs:     convs,
		Relay:     signaling.NewRelay(registry),
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
		_ = store.Close()
	})
	return &testEnv{ctx: ctx, store: store, gateway: g}
}

func (e *testEnv) befriend(t *testing.T, a, b string) string {
	t.Helper()
	convID := conversation.ID(a, b)
	require.NoError(t, e.store.PutRequest(b, a))
	ok, err := e.store.AcceptRequest(b, a, convID)
	require.NoError(t, err)
	require.True(t, ok)
	return convID
}

type testClient struct {
	t    *testing.T
	ws   *mockWS
	conn *Connection
	done chan struct{}
}

// connect opens a session pre-authenticated as userID (empty for none).
func (e *testEnv) connect(t *testing.T, userID string) *testClient {
	t.Helper()
	ws := newMockWS()
	c := &testClient{t: t, ws: ws, conn: NewConnection(e.gateway, ws, userID), done: make(chan struct{})}
	go func() {
		_ = c.conn.Handle(e.ctx)
		close(c.done)
	}()
	if userID != "" {
		c.expect(models.ServerMessageTypeAuthSuccess)
		c.expect(models.ServerMessageTypeFriendsOnline)
	}
	return c
}

func (c *testClient) send(typ models.ClientMessageType, payload any) {
	c.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		raw = data
	}
	c.ws.readCh <- models.ClientMessage{Type: typ, Payload: raw}
}

// expect skips frames until one of type typ arrives.
func (c *testClient) expect(typ models.ServerMessageType) models.ServerMessage {
	c.t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case v := <-c.ws.writeCh:
			msg := v.(models.ServerMessage)
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", typ)
			return models.ServerMessage{}
		}
	}
}

// expectNone asserts that no frame of type typ arrives for a short while.
func (c *testClient) expectNone(typ models.ServerMessageType) {
	c.t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case v := <-c.ws.writeCh:
			msg := v.(models.ServerMessage)
			assert.NotEqual(c.t, typ, msg.Type, "unexpected %s", typ)
		case <-deadline:
			return
		}
	}
}

func (c *testClient) disconnect() {
	c.t.Helper()
	close(c.ws.readCh)
	select {
	case <-c.done:
	case <-time.After(time.Second):
		c.t.Fatal("session did not end")
	}
}

func TestGateway_Authenticate(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect(t, "")

	c.send(models.ClientMessageTypeGetInitialData, nil)
	c.expectNone(models.ServerMessageTypeFriendsList)

	c.send(models.ClientMessageTypeAuthenticate, authenticatePayload{Token: "bogus"})
	errMsg := c.expect(models.ServerMessageTypeStatusError)
	assert.Equal(t, "Authentication failed", errMsg.Payload.(models.APIResponse).Message)

	c.send(models.ClientMessageTypeAuthenticate, authenticatePayload{Token: "tok-a"})
	msg := c.expect(models.ServerMessageTypeAuthSuccess)
	payload := msg.Payload.(authSuccess)
	assert.Equal(t, "user-a", payload.User.ID)
	require.Len(t, payload.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, payload.ICEServers[0].URLs)
	c.expect(models.ServerMessageTypeFriendsOnline)

	c.send(models.ClientMessageTypeAuthenticate, authenticatePayload{Token: "tok-b"})
	c.expect(models.ServerMessageTypeStatusError)

	c.send("no-such-event", nil)
	c.send(models.ClientMessageTypeSendFriendRequest, json.RawMessage(`"not an object"`))
	errMsg = c.expect(models.ServerMessageTypeStatusError)
	assert.Contains(t, errMsg.Payload.(models.APIResponse).Message, "malformed payload")
}

func TestGateway_FriendsAndMessages(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, "user-a")
	bob := e.connect(t, "user-b")

	alice.send(models.ClientMessageTypeSendFriendRequest, friendRequestPayload{Username: "bob"})
	ok := alice.expect(models.ServerMessageTypeStatusSuccess)
	assert.Equal(t, "Friend request sent to Bob", ok.Payload.(models.APIResponse).Message)
	req := bob.expect(models.ServerMessageTypeNewRequest)
	assert.Equal(t, "user-a", req.Payload.(models.Profile).ID)

	alice.send(models.ClientMessageTypeSendFriendRequest, friendRequestPayload{Username: "alice"})
	errMsg := alice.expect(models.ServerMessageTypeStatusError)
	assert.Equal(t, "You cannot add yourself", errMsg.Payload.(models.APIResponse).Message)

	bob.send(models.ClientMessageTypeAcceptRequest, acceptRequestPayload{SenderID: "user-a"})
	alice.expect(models.ServerMessageTypeReloadData)
	bob.expect(models.ServerMessageTypeReloadData)

	bob.send(models.ClientMessageTypeGetInitialData, nil)
	friends := bob.expect(models.ServerMessageTypeFriendsList).Payload.([]models.Friend)
	require.Len(t, friends, 1)
	convID := friends[0].ConversationID
	assert.Equal(t, conversation.ID("user-a", "user-b"), convID)
	statuses := bob.expect(models.ServerMessageTypeFriendsOnline).Payload.([]models.OnlineStatus)
	assert.Equal(t, []models.OnlineStatus{{UserID: "user-a", IsOnline: true}}, statuses)

	alice.send(models.ClientMessageTypeGetMessages, conversationPayload{ConversationID: convID})
	history := alice.expect(models.ServerMessageTypeHistory).Payload.(models.MessagesHistory)
	assert.Empty(t, history.Messages)
	bob.send(models.ClientMessageTypeGetMessages, conversationPayload{ConversationID: convID})
	bob.expect(models.ServerMessageTypeHistory)

	alice.send(models.ClientMessageTypeTypingStart, conversationPayload{ConversationID: convID})
	typing := bob.expect(models.ServerMessageTypeTypingStatus).Payload.(models.TypingStatus)
	assert.True(t, typing.IsTyping)

	alice.send(models.ClientMessageTypeSendMessage, sendMessagePayload{ConversationID: convID, Text: "hello"})
	for _, c := range []*testClient{alice, bob} {
		nm := c.expect(models.ServerMessageTypeNewMessage).Payload.(models.NewMessage)
		assert.Equal(t, "hello", nm.Message.Text)
		assert.Equal(t, "user-a", nm.Message.UserID)
	}

	bob.send(models.ClientMessageTypeMessagesRead, conversationPayload{ConversationID: convID})
	read := alice.expect(models.ServerMessageTypeMessageRead).Payload.(models.MessageRead)
	assert.Equal(t, models.MessageRead{ConversationID: convID, ReaderID: "user-b"}, read)

	bob.send(models.ClientMessageTypeGetMessagesPage, pagePayload{ConversationID: convID, Limit: 10})
	page := bob.expect(models.ServerMessageTypePage).Payload.(models.MessagesPage)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, []string{"user-b"}, page.Messages[0].ReadBy)
	assert.False(t, page.HasMore)

	carol := e.connect(t, "user-c")
	carol.send(models.ClientMessageTypeGetMessages, conversationPayload{ConversationID: convID})
	carol.expect(models.ServerMessageTypeStatusError)

	alice.send(models.ClientMessageTypeUnfriend, unfriendPayload{FriendID: "user-b"})
	unfriended := bob.expect(models.ServerMessageTypeUnfriended).Payload.(models.Unfriended)
	assert.Equal(t, "user-a", unfriended.FriendID)
	bob.expect(models.ServerMessageTypeReloadData)

	alice.send(models.ClientMessageTypeSendMessage, sendMessagePayload{ConversationID: convID, Text: "gone?"})
	errMsg = alice.expect(models.ServerMessageTypeStatusError)
	assert.Equal(t, "Conversation not found", errMsg.Payload.(models.APIResponse).Message)
}

func TestGateway_Presence(t *testing.T) {
	e := newTestEnv(t)
	e.befriend(t, "user-a", "user-b")

	bob := e.connect(t, "user-b")
	first := e.connect(t, "user-a")
	status := bob.expect(models.ServerMessageTypeOnlineStatus).Payload.(models.OnlineStatus)
	assert.Equal(t, models.OnlineStatus{UserID: "user-a", IsOnline: true}, status)

	second := e.connect(t, "user-a")
	bob.expect(models.ServerMessageTypeOnlineStatus)

	first.disconnect()
	bob.expectNone(models.ServerMessageTypeOnlineStatus)
	assert.True(t, e.gateway.Presence.IsOnline("user-a"), "superseded session must not evict the newer one")

	second.disconnect()
	status = bob.expect(models.ServerMessageTypeOnlineStatus).Payload.(models.OnlineStatus)
	assert.Equal(t, models.OnlineStatus{UserID: "user-a", IsOnline: false}, status)
	assert.False(t, e.gateway.Presence.IsOnline("user-a"))
}

func TestGateway_Disconnect(t *testing.T) {
	e := newTestEnv(t)
	e.befriend(t, "user-a", "user-b")

	bob := e.connect(t, "user-b")
	alice := e.connect(t, "user-a")
	bob.expect(models.ServerMessageTypeOnlineStatus)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, e.gateway.Online())

	e.gateway.Disconnect("user-a")
	select {
	case <-alice.done:
	case <-time.After(time.Second):
		t.Fatal("session was not closed")
	}
	status := bob.expect(models.ServerMessageTypeOnlineStatus).Payload.(models.OnlineStatus)
	assert.Equal(t, models.OnlineStatus{UserID: "user-a", IsOnline: false}, status)
	assert.Equal(t, []string{"user-b"}, e.gateway.Online())

	e.gateway.Disconnect("user-c")
	assert.Equal(t, []string{"user-b"}, e.gateway.Online(), "closing an offline identity is a no-op")
}

func TestGateway_Calls(t *testing.T) {
	e := newTestEnv(t)
	alice := e.connect(t, "user-a")
	bob := e.connect(t, "user-b")
	carol := e.connect(t, "user-c")

	alice.send(models.ClientMessageTypeCallRequest, callRequestPayload{TargetUserID: "user-b", CallType: models.CallTypeAudio})
	ring := bob.expect(models.ServerMessageTypeIncomingCall).Payload.(models.IncomingCall)
	assert.Equal(t, models.IncomingCall{CallerID: "user-a", CallerUsername: "Alice", CallType: models.CallTypeAudio}, ring)

	carol.send(models.ClientMessageTypeCallRequest, callRequestPayload{TargetUserID: "user-b", CallType: models.CallTypeVideo})
	busy := carol.expect(models.ServerMessageTypeCallResponse).Payload.(models.CallResponse)
	assert.False(t, busy.Accepted)
	assert.Equal(t, models.CallReasonBusy, busy.Reason)
	assert.Equal(t, "user-b", busy.ResponderID)

	bob.send(models.ClientMessageTypeCallResponse, callResponsePayload{TargetUserID: "user-a", Accepted: true, CallType: models.CallTypeAudio})
	accepted := alice.expect(models.ServerMessageTypeCallResponse).Payload.(models.CallResponse)
	assert.True(t, accepted.Accepted)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	alice.send(models.ClientMessageTypeOffer, sdpPayload{TargetUserID: "user-b", Offer: offer})
	got := bob.expect(models.ServerMessageTypeOffer).Payload.(models.WebRTCOffer)
	assert.Equal(t, "user-a", got.SenderID)
	assert.JSONEq(t, string(offer), string(got.Offer))

	bob.send(models.ClientMessageTypeAnswer, sdpPayload{TargetUserID: "user-a", Answer: json.RawMessage(`{"type":"answer"}`)})
	alice.expect(models.ServerMessageTypeAnswer)

	alice.send(models.ClientMessageTypeICECandidate, sdpPayload{TargetUserID: "user-b", Candidate: json.RawMessage(`{"candidate":"c"}`)})
	bob.expect(models.ServerMessageTypeICECandidate)

	// Upgrade to video with the current peer.
	alice.send(models.ClientMessageTypeCallRequest, callRequestPayload{TargetUserID: "user-b", CallType: models.CallTypeVideo})
	upgrade := bob.expect(models.ServerMessageTypeIncomingCall).Payload.(models.IncomingCall)
	assert.Equal(t, models.CallTypeVideo, upgrade.CallType)

	bob.disconnect()
	ended := alice.expect(models.ServerMessageTypeCallEnded).Payload.(models.CallEnded)
	assert.Equal(t, models.CallEnded{EndedBy: "user-b", Reason: models.CallReasonDisconnected}, ended)

	// Alice is idle again and can call Carol.
	alice.send(models.ClientMessageTypeCallRequest, callRequestPayload{TargetUserID: "user-c", CallType: models.CallTypeAudio})
	carol.expect(models.ServerMessageTypeIncomingCall)
	carol.send(models.ClientMessageTypeCallResponse, callResponsePayload{TargetUserID: "user-a", Accepted: false})
	declined := alice.expect(models.ServerMessageTypeCallResponse).Payload.(models.CallResponse)
	assert.Equal(t, models.CallReasonDeclined, declined.Reason)

	alice.send(models.ClientMessageTypeCallRequest, callRequestPayload{TargetUserID: "user-b", CallType: models.CallTypeAudio})
	alice.expectNone(models.ServerMessageTypeCallResponse)
}
