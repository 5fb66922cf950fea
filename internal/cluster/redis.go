// Package cluster shares presence and live notifications between several
// parley processes through redis pub/sub. Each process publishes events for
// identities or conversation channels it cannot reach locally; every other
// process delivers them to its own connections.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const presenceTTL = 24 * time.Hour

// envelope is the pub/sub wire format. Exactly one of Target and Channel is set.
type envelope struct {
	Origin  string          `json:"origin"`
	Target  string          `json:"target,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Deliverer receives events published by other processes.
type Deliverer interface {
	DeliverToUser(identity string, msg models.ServerMessage)
	DeliverToChannel(conversationID string, msg models.ServerMessage)
}

type RedisFabric struct {
	rdb        *redis.Client
	instanceID string
	prefix     string
	topic      string
}

type Config struct {
	URL    string
	Prefix string
}

func NewRedisFabric(ctx context.Context, cfg Config) (*RedisFabric, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "parley"
	}
	return &RedisFabric{
		rdb:        rdb,
		instanceID: uuid.NewString(),
		prefix:     prefix,
		topic:      prefix + ":events",
	}, nil
}

func (f *RedisFabric) Close() error {
	return f.rdb.Close()
}

func (f *RedisFabric) presenceKey(identity string) string {
	return f.prefix + ":presence:" + identity
}

// MarkOnline records this process as holding a connection for identity.
func (f *RedisFabric) MarkOnline(ctx context.Context, identity string) error {
	key := f.presenceKey(identity)
	if err := f.rdb.HSet(ctx, key, f.instanceID, time.Now().Unix()).Err(); err != nil {
		return err
	}
	return f.rdb.Expire(ctx, key, presenceTTL).Err()
}

func (f *RedisFabric) MarkOffline(ctx context.Context, identity string) error {
	return f.rdb.HDel(ctx, f.presenceKey(identity), f.instanceID).Err()
}

// IsOnline reports whether any process holds a connection for identity.
func (f *RedisFabric) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := f.rdb.HLen(ctx, f.presenceKey(identity)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (f *RedisFabric) PublishToUser(ctx context.Context, identity string, msg models.ServerMessage) error {
	return f.publish(ctx, envelope{Target: identity}, msg)
}

func (f *RedisFabric) PublishToChannel(ctx context.Context, conversationID string, msg models.ServerMessage) error {
	return f.publish(ctx, envelope{Channel: conversationID}, msg)
}

func (f *RedisFabric) publish(ctx context.Context, env envelope, msg models.ServerMessage) error {
	data, err := encode(f.instanceID, env, msg)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.topic, data).Err()
}

// Run delivers events from other processes until ctx is cancelled.
func (f *RedisFabric) Run(ctx context.Context, d Deliverer) error {
	pubsub := f.rdb.Subscribe(ctx, f.topic)
	defer func() { _ = pubsub.Close() }()

	slog.Info("listening for cluster events", "topic", f.topic, "instance", f.instanceID)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := dispatch(f.instanceID, []byte(msg.Payload), d); err != nil {
				slog.Warn("dropping cluster event", "error", err)
			}
		}
	}
}

func encode(origin string, env envelope, msg models.ServerMessage) ([]byte, error) {
	env.Origin = origin
	env.Type = string(msg.Type)
	if msg.Payload != nil {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

// dispatch decodes one event and hands it to d unless it came from origin.
func dispatch(origin string, data []byte, d Deliverer) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Origin == origin {
		return nil
	}

	msg := models.ServerMessage{Type: models.ServerMessageType(env.Type)}
	if len(env.Payload) > 0 {
		msg.Payload = env.Payload
	}
	switch {
	case env.Target != "":
		d.DeliverToUser(env.Target, msg)
	case env.Channel != "":
		d.DeliverToChannel(env.Channel, msg)
	default:
		return fmt.Errorf("event %s has no destination", env.Type)
	}
	return nil
}
