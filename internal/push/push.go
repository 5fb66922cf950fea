// Package push delivers web push notifications to users who are offline when
// a message arrives for them.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"parley/internal/models"
	"parley/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	defaultTTL   = 60 * 60 * 24
	maxBodyRunes = 120
)

var ErrInvalidSubscription = errors.New("invalid push subscription")

type Store interface {
	GetUser(id string) (models.User, error)
	UpsertPushSubscription(sub storage.DBPushSubscription) error
	ListPushSubscriptions(userID string) ([]storage.DBPushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             time.Duration
}

func (c *Config) Validate() error {
	if c.VAPIDPublicKey == "" || c.VAPIDPrivateKey == "" {
		return errors.New("vapid key pair is required")
	}
	if c.Subject == "" {
		return errors.New("vapid subject is required")
	}
	return nil
}

// Notification is the JSON document the service worker receives.
type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type Sender struct {
	Config
	store  Store
	client webpush.HTTPClient
}

func NewSender(config Config, store Store) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sender{
		Config: config,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *Sender) PublicKey() string {
	return s.VAPIDPublicKey
}

// Subscribe stores a browser subscription for userID.
func (s *Sender) Subscribe(userID string, sub webpush.Subscription) error {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: bad endpoint", ErrInvalidSubscription)
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("%w: missing keys", ErrInvalidSubscription)
	}
	return s.store.UpsertPushSubscription(storage.DBPushSubscription{
		UserID:    userID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.Keys.P256dh,
		Auth:      sub.Keys.Auth,
		CreatedAt: time.Now().Unix(),
	})
}

// PushMessage notifies every subscription of recipientID about msg.
// Subscriptions the push service reports as gone are deleted.
func (s *Sender) PushMessage(ctx context.Context, recipientID string, msg models.Message) error {
	subs, err := s.store.ListPushSubscriptions(recipientID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	title := "New message"
	if author, err := s.store.GetUser(msg.UserID); err == nil && author.Username != "" {
		title = author.Username
	}
	payload, err := json.Marshal(Notification{
		Title:          title,
		Body:           preview(msg),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := s.send(ctx, sub, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sender) send(ctx context.Context, sub storage.DBPushSubscription, payload []byte) error {
	ttl := defaultTTL
	if s.TTL > 0 {
		ttl = int(s.TTL.Seconds())
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.Subject,
		VAPIDPublicKey:  s.VAPIDPublicKey,
		VAPIDPrivateKey: s.VAPIDPrivateKey,
		TTL:             ttl,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		slog.Info("removing expired push subscription", "user_id", sub.UserID, "status", resp.StatusCode)
		return s.store.DeletePushSubscription(sub.UserID, sub.Endpoint)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service responded %d", resp.StatusCode)
	}
	return nil
}

func preview(msg models.Message) string {
	if msg.Text == "" {
		return "Sent a file"
	}
	if utf8.RuneCountInString(msg.Text) <= maxBodyRunes {
		return msg.Text
	}
	runes := []rune(msg.Text)
	return string(runes[:maxBodyRunes]) + "…"
}
