package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"parley/internal/auth"
	"parley/internal/content"
	"parley/internal/models"
)

// AdminStore is the account storage the admin server manages directly.
type AdminStore interface {
	ListUsers() ([]models.User, error)
	DeleteUser(id string) ([]models.FriendEdge, error)
}

// Sessions lists and closes the sessions connected to this process.
type Sessions interface {
	Online() []string
	Disconnect(identity string)
}

// Friendships tells former friends about a deleted account.
type Friendships interface {
	Forget(userID string, edges []models.FriendEdge)
}

type AdminHandler struct {
	authService *auth.AuthService
	store       AdminStore
	sessions    Sessions
	friendships Friendships
}

func NewAdminHandler(authService *auth.AuthService, store AdminStore, sessions Sessions, friendships Friendships) *AdminHandler {
	return &AdminHandler{
		authService: authService,
		store:       store,
		sessions:    sessions,
		friendships: friendships,
	}
}

type AddUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

type AddUserResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	User    models.User `json:"user"`
}

type ListUsersResponse struct {
	Users []models.User `json:"users"`
}

type ResetPasswordRequest struct {
	Password string `json:"password"`
}

type OnlineResponse struct {
	Online []string `json:"online"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username != "" {
		if err := content.ValidateUsername(req.Username); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	user, err := h.authService.Register(auth.RegistrationRequest{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
	})
	switch {
	case errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, models.ErrEmailTaken):
		writeError(w, http.StatusConflict, "Email already registered")
		return
	case errors.Is(err, models.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already taken")
		return
	case err != nil:
		slog.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	slog.Info("user created by admin", "user_id", user.ID)
	writeJSON(w, http.StatusOK, AddUserResponse{Success: true, User: user})
}

func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, ListUsersResponse{Users: users})
}

// ResetPasswordHandler sets a new password, revokes every token of the user
// and closes their live session.
func (h *AdminHandler) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.authService.ResetPassword(userID, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		slog.Error("failed to reset password", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	h.sessions.Disconnect(userID)
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: "Password reset"})
}

// DeleteUserHandler removes the account with its friendships and
// conversations, revokes its tokens and closes its live session.
func (h *AdminHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	edges, err := h.store.DeleteUser(userID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		slog.Error("failed to delete user", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	revoked := h.authService.RevokeUser(userID)
	h.friendships.Forget(userID, edges)
	h.sessions.Disconnect(userID)

	slog.Info("user deleted by admin", "user_id", userID, "revoked_tokens", revoked)
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: "User deleted"})
}

func (h *AdminHandler) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	online := h.sessions.Online()
	slices.Sort(online)
	writeJSON(w, http.StatusOK, OnlineResponse{Online: online})
}
