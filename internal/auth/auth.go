package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 6
	loginFailedMessage = "Invalid credentials."
	avatarPlaceholder  = "https://placehold.co/40x40/4f46e5/ffffff?text="
)

var ErrInvalidRegistration = errors.New("invalid email or password")

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegistrationRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Username is optional; it is reserved in the same transaction as the
	// account.
	Username string `json:"username,omitempty"`
}

type LoginResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	User        models.User `json:"user"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
}

// Credentials is a user record together with its password hash.
// It never leaves the auth and storage layers.
type Credentials struct {
	models.User
	PasswordHash string
}

type CredentialStore interface {
	CreateCredentials(credentials Credentials) error
	GetCredentialsByEmail(email string) (Credentials, error)
	UpdatePasswordHash(userID, passwordHash string) error
}

// loginAttempts counts consecutive failures to throttle brute force attacks.
type loginAttempts struct {
	Failed          int64
	LastAttemptTime int64
}

type Config struct {
	TokenExpiry time.Duration
	BcryptCost  int
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}
	return nil
}

type AuthService struct {
	Config
	store      CredentialStore
	attempts   *geche.Locker[string, *loginAttempts]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates an account. Without a username it stays empty until the
// user sets it through a profile update.
func (as *AuthService) Register(req RegistrationRequest) (models.User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil || len(req.Password) < MinPasswordLength {
		return models.User{}, ErrInvalidRegistration
	}
	email := addr.Address

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), as.BcryptCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:        "user-" + uuid.NewString(),
		Email:     email,
		Username:  strings.TrimSpace(req.Username),
		AvatarURL: avatarPlaceholder + strings.ToUpper(email[:1]),
		CreatedAt: as.now().Unix(),
	}
	if err := as.store.CreateCredentials(Credentials{User: user, PasswordHash: string(hash)}); err != nil {
		return models.User{}, err
	}

	slog.Info("user registered", "user_id", user.ID)
	return user, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, error) {
	now := as.now()
	key := strings.ToLower(strings.TrimSpace(req.Email))

	tx := as.attempts.Lock()
	defer tx.Unlock()
	attempts, err := tx.Get(key)
	if err != nil {
		attempts = &loginAttempts{}
		tx.Set(key, attempts)
	}

	if attempts.Failed > 3 {
		nextAttempt := attempts.LastAttemptTime + 30*(attempts.Failed*attempts.Failed)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, models.ErrInvalidCredentials
		}
	}

	creds, err := as.store.GetCredentialsByEmail(key)
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password))
	}
	if err != nil {
		attempts.Failed++
		attempts.LastAttemptTime = now.Unix()
		return LoginResponse{Success: false, Message: loginFailedMessage}, models.ErrInvalidCredentials
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", creds.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, err
	}

	as.liveTokens.Set(token, creds.ID)
	attempts.Failed = 0
	attempts.LastAttemptTime = now.Unix()

	return LoginResponse{
		Success:     true,
		User:        creds.User,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
	}, nil
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

// ResetPassword sets a new password for userID and ends all of its sessions.
func (as *AuthService) ResetPassword(userID, password string) error {
	if len(password) < MinPasswordLength {
		return ErrInvalidRegistration
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), as.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := as.store.UpdatePasswordHash(userID, string(hash)); err != nil {
		return err
	}
	revoked := as.RevokeUser(userID)
	slog.Info("password reset", "user_id", userID, "revoked_tokens", revoked)
	return nil
}

// RevokeUser invalidates every live token issued to userID and returns how
// many there were.
func (as *AuthService) RevokeUser(userID string) int {
	revoked := 0
	for token, owner := range as.liveTokens.Snapshot() {
		if owner != userID {
			continue
		}
		if err := as.liveTokens.Del(token); err == nil {
			revoked++
		}
	}
	return revoked
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GetUserID resolves a live session token to the identity it was issued for.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrUnauthorized
	}
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return "", models.ErrUnauthorized
	}
	return userID, nil
}
