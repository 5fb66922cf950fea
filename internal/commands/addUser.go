package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/api"
	"parley/internal/config"
	"parley/internal/models"
)

// AddUser creates an account through the admin API of a running server and
// prints its details to out.
func AddUser(ctx context.Context, req api.AddUserRequest, cfg *config.Config, out io.Writer) (models.User, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	addr := cfg.AdminAddr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	url := strings.TrimSuffix(addr, "/") + "/admin/users"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return models.User{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.User{}, fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.User{}, fmt.Errorf("failed to decode response: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\nUser Created Successfully!\n")
	_, _ = fmt.Fprintf(out, "ID:       %s\n", result.User.ID)
	_, _ = fmt.Fprintf(out, "Email:    %s\n", result.User.Email)
	if result.User.Username != "" {
		_, _ = fmt.Fprintf(out, "Username: %s\n", result.User.Username)
	}
	_, _ = fmt.Fprintf(out, "Login:    %s/login.html\n\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	return result.User, nil
}
