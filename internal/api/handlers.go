package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"parley/internal/auth"
	"parley/internal/content"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/storage"
	"parley/internal/ws"
)

type contextKey string

const userIDKey contextKey = "userID"

// Store is the part of the persistent store the HTTP handlers use.
type Store interface {
	GetUser(id string) (models.User, error)
	UpdateProfile(id, username, avatarURL string) (models.User, error)
	UpsertFileMetadata(meta storage.FileMetadata) error
	GetFileMetadata(id string) (storage.FileMetadata, error)
}

type API struct {
	auth         *auth.AuthService
	store        Store
	files        filestore.FileStore
	vapidKey     string
	secureCookie bool
}

func New(authService *auth.AuthService, store Store, files filestore.FileStore) *API {
	return &API{auth: authService, store: store, files: files}
}

// WithVAPIDKey publishes the web push public key at /api/push/key.
func (a *API) WithVAPIDKey(key string) *API {
	a.vapidKey = key
	return a
}

// WithSecureCookies marks session cookies Secure.
func (a *API) WithSecureCookies(secure bool) *API {
	a.secureCookie = secure
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// RequireAuth rejects requests without a live session token and passes the
// caller's identity to next through the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.GetUserID(ws.RequestToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	}
}

// RequireSameOrigin rejects cross-site requests that carry an Origin header
// for another host.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				writeError(w, http.StatusForbidden, "Cross-origin request rejected")
				return
			}
		}
		next(w, r)
	}
}

func decodeCredentials(r *http.Request) (email, password string, err error) {
	if r.Header.Get("Content-Type") == "application/json" {
		var req auth.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", "", err
		}
		return req.Email, req.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.FormValue("email"), r.FormValue("password"), nil
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	email, password, err := decodeCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := a.auth.Register(auth.RegistrationRequest{Email: email, Password: password})
	switch {
	case errors.Is(err, auth.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, "A valid email and a password of at least 6 characters are required")
		return
	case errors.Is(err, models.ErrEmailTaken):
		writeError(w, http.StatusConflict, "Email already registered")
		return
	case err != nil:
		slog.Error("registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		models.APIResponse
		User models.User `json:"user"`
	}{models.APIResponse{Success: true, Message: "Registered"}, user})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	email, password, err := decodeCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loginResp, err := a.auth.Login(auth.LoginRequest{Email: email, Password: password})
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, models.ErrInvalidCredentials) {
			slog.Error("login failed", "error", err)
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := ws.RequestToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(userID(r.Context()))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		slog.Error("failed to load user", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ProfileHandler updates the username and/or avatar from a multipart form.
func (a *API) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	id := userID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarSize+formOverhead)
	if err := r.ParseMultipartForm(maxAvatarSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form")
		return
	}

	username := r.FormValue("username")
	if username != "" {
		if err := content.ValidateUsername(username); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var avatarURL string
	if len(r.MultipartForm.File["avatar"]) > 0 {
		meta, err := a.storeUpload(r, id, "avatar", maxAvatarSize, avatarTypes)
		if err != nil {
			a.uploadError(w, err)
			return
		}
		avatarURL = fileURL(meta.ID)
	}

	if username == "" && avatarURL == "" {
		writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}

	user, err := a.store.UpdateProfile(id, username, avatarURL)
	switch {
	case errors.Is(err, models.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already taken")
		return
	case err != nil:
		slog.Error("failed to update profile", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}

	slog.Info("profile updated", "user_id", id)
	writeJSON(w, http.StatusOK, struct {
		models.APIResponse
		User models.User `json:"user"`
	}{models.APIResponse{Success: true, Message: "Profile updated"}, user})
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.vapidKey == "" {
		writeError(w, http.StatusNotFound, "Push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidKey})
}
