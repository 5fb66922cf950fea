// Package presence maps authenticated identities to their live connection.
//
// The registry holds at most one handle per identity. A later registration
// replaces the earlier one and an unregistration only succeeds for the handle
// currently stored, so a stale connection closing late cannot evict a newer
// session. Delivery through Notify is best effort.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"
)

// Handle is a live connection that can receive server events.
// Send must not block; it reports false when the event was dropped.
type Handle interface {
	Send(msg models.ServerMessage) bool
}

// Fabric carries presence and notifications between processes.
type Fabric interface {
	MarkOnline(ctx context.Context, identity string) error
	MarkOffline(ctx context.Context, identity string) error
	IsOnline(ctx context.Context, identity string) (bool, error)
	PublishToUser(ctx context.Context, identity string, msg models.ServerMessage) error
}

const fabricTimeout = 2 * time.Second

type Registry struct {
	entries map[string]Handle
	fabric  Fabric
	mu      sync.RWMutex
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]Handle),
	}
}

// WithFabric attaches a cross-process fabric. It must be called before the
// registry is shared.
func (r *Registry) WithFabric(f Fabric) *Registry {
	r.fabric = f
	return r
}

// Register binds identity to handle, silently replacing any earlier handle.
func (r *Registry) Register(identity string, handle Handle) {
	r.mu.Lock()
	r.entries[identity] = handle
	r.mu.Unlock()

	r.withFabric("mark online", identity, func(ctx context.Context) error {
		return r.fabric.MarkOnline(ctx, identity)
	})
}

// Unregister removes identity only if handle is the one currently stored.
// It reports false for a superseded or unknown handle.
func (r *Registry) Unregister(identity string, handle Handle) bool {
	r.mu.Lock()
	current, ok := r.entries[identity]
	if !ok || current != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	r.withFabric("mark offline", identity, func(ctx context.Context) error {
		return r.fabric.MarkOffline(ctx, identity)
	})
	return true
}

// IsOnline reports whether identity has a live connection in this process or,
// with a fabric attached, in another one.
func (r *Registry) IsOnline(identity string) bool {
	if _, ok := r.HandleOf(identity); ok {
		return true
	}
	if r.fabric == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), fabricTimeout)
	defer cancel()
	online, err := r.fabric.IsOnline(ctx, identity)
	if err != nil {
		slog.Warn("presence fabric lookup failed", "user_id", identity, "error", err)
		return false
	}
	return online
}

func (r *Registry) HandleOf(identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[identity]
	return h, ok
}

// Notify delivers msg to identity's connection. It is a no-op for an absent
// identity and never fails; the return value only reports local delivery.
func (r *Registry) Notify(identity string, msg models.ServerMessage) bool {
	if h, ok := r.HandleOf(identity); ok {
		return h.Send(msg)
	}
	r.withFabric("publish", identity, func(ctx context.Context) error {
		return r.fabric.PublishToUser(ctx, identity, msg)
	})
	return false
}

// DeliverLocal hands msg to a locally registered handle without consulting
// the fabric. The fabric subscriber uses it to avoid republishing.
func (r *Registry) DeliverLocal(identity string, msg models.ServerMessage) bool {
	if h, ok := r.HandleOf(identity); ok {
		return h.Send(msg)
	}
	return false
}

// OnlineStatus reports presence for every identity in order.
func (r *Registry) OnlineStatus(identities []string) []models.OnlineStatus {
	statuses := make([]models.OnlineStatus, len(identities))
	for i, id := range identities {
		statuses[i] = models.OnlineStatus{UserID: id, IsOnline: r.IsOnline(id)}
	}
	return statuses
}

// Online lists locally registered identities.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) withFabric(op, identity string, fn func(ctx context.Context) error) {
	if r.fabric == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fabricTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("presence fabric "+op+" failed", "user_id", identity, "error", err)
	}
}
