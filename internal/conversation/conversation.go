// Package conversation owns the message logs shared by pairs of friends and
// the live delivery channels that fan new messages out to joined connections.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/presence"

	"github.com/google/uuid"
)

const (
	fabricTimeout = 2 * time.Second
	pushTimeout   = 10 * time.Second

	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store is the persistent message log.
type Store interface {
	ConversationExists(conversationID string) (bool, error)
	AppendMessage(message models.Message) (models.Message, error)
	ListMessages(conversationID string) ([]models.Message, error)
	ListMessagesBefore(conversationID string, beforeSeq int64, limit int) ([]models.Message, bool, error)
	MarkRead(conversationID, readerID string) (int, error)
}

// Presence resolves identities to their live connections.
type Presence interface {
	IsOnline(identity string) bool
	Notify(identity string, msg models.ServerMessage) bool
}

// Pusher notifies an offline participant out of band.
type Pusher interface {
	PushMessage(ctx context.Context, recipientID string, msg models.Message) error
}

// ChannelPublisher forwards channel events to other processes.
type ChannelPublisher interface {
	PublishToChannel(ctx context.Context, conversationID string, msg models.ServerMessage) error
}

// ID returns the conversation id shared by a and b. It is the same for both
// argument orders.
func ID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}

// Participants splits a conversation id into its two identities.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, "_")
	if !ok || a == "" || b == "" || strings.Contains(b, "_") {
		return "", "", false
	}
	return a, b, true
}

// Peer returns the participant of conversationID that is not identity.
func Peer(conversationID, identity string) (string, bool) {
	a, b, ok := Participants(conversationID)
	switch {
	case !ok:
		return "", false
	case a == identity:
		return b, true
	case b == identity:
		return a, true
	}
	return "", false
}

// channel is the set of connections currently viewing one conversation.
type channel struct {
	id      string
	members map[presence.Handle]struct{}
}

func (c *channel) broadcast(msg models.ServerMessage, skip presence.Handle) int {
	delivered := 0
	for h := range c.members {
		if h == skip {
			continue
		}
		if h.Send(msg) {
			delivered++
		}
	}
	return delivered
}

type Manager struct {
	store    Store
	presence Presence
	pusher   Pusher
	fabric   ChannelPublisher
	now      func() time.Time

	channels map[string]*channel
	joined   map[presence.Handle]string
	mu       sync.Mutex
}

func NewManager(store Store, registry Presence) *Manager {
	return &Manager{
		store:    store,
		presence: registry,
		now:      time.Now,
		channels: make(map[string]*channel),
		joined:   make(map[presence.Handle]string),
	}
}

// WithPusher enables push notifications for offline participants.
func (m *Manager) WithPusher(p Pusher) *Manager {
	m.pusher = p
	return m
}

// WithFabric mirrors channel events to other processes.
func (m *Manager) WithFabric(f ChannelPublisher) *Manager {
	m.fabric = f
	return m
}

func (m *Manager) exists(conversationID string) error {
	ok, err := m.store.ConversationExists(conversationID)
	if err != nil {
		return fmt.Errorf("failed to look up conversation: %w", err)
	}
	if !ok {
		return models.ErrNoSuchConversation
	}
	return nil
}

// PostMessage appends a message from author and broadcasts it to every
// connection joined to the conversation.
func (m *Manager) PostMessage(conversationID, author, text, fileRef string) (models.Message, error) {
	if err := m.exists(conversationID); err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(text) == "" && fileRef == "" {
		return models.Message{}, models.ErrEmptyMessage
	}
	peer, ok := Peer(conversationID, author)
	if !ok {
		return models.Message{}, models.ErrNotParticipant
	}

	rendered, err := content.RenderMarkdown(text)
	if err != nil {
		slog.Warn("failed to render message", "conversation_id", conversationID, "error", err)
	}

	msg, err := m.store.AppendMessage(models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         author,
		Text:           text,
		HTML:           rendered,
		FileURL:        fileRef,
		Timestamp:      m.now().UnixMilli(),
		ReadBy:         []string{},
	})
	if err != nil {
		return models.Message{}, err
	}

	event := models.ServerMessage{
		Type:    models.ServerMessageTypeNewMessage,
		Payload: models.NewMessage{ConversationID: conversationID, Message: msg},
	}
	m.DeliverToChannel(conversationID, event)
	m.publish(conversationID, event)

	if m.pusher != nil && !m.presence.IsOnline(peer) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
			defer cancel()
			if err := m.pusher.PushMessage(ctx, peer, msg); err != nil {
				slog.Warn("failed to push message", "user_id", peer, "message_id", msg.ID, "error", err)
			}
		}()
	}
	return msg, nil
}

// FetchHistory returns the full log, oldest first.
func (m *Manager) FetchHistory(conversationID string) ([]models.Message, error) {
	return m.store.ListMessages(conversationID)
}

// FetchPage returns up to limit messages older than beforeSeq, oldest first.
// A beforeSeq of zero starts from the newest message.
func (m *Manager) FetchPage(conversationID string, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return m.store.ListMessagesBefore(conversationID, beforeSeq, limit)
}

// MarkRead records reader as having read every message from the other
// participant and tells that participant. The peer is notified even when
// nothing changed.
func (m *Manager) MarkRead(conversationID, reader string) (int, error) {
	peer, ok := Peer(conversationID, reader)
	if !ok {
		if err := m.exists(conversationID); err != nil {
			return 0, err
		}
		return 0, models.ErrNotParticipant
	}
	changed, err := m.store.MarkRead(conversationID, reader)
	if err != nil {
		return 0, err
	}
	m.presence.Notify(peer, models.ServerMessage{
		Type:    models.ServerMessageTypeMessageRead,
		Payload: models.MessageRead{ConversationID: conversationID, ReaderID: reader},
	})
	return changed, nil
}

// Join subscribes handle to the conversation, leaving whatever it viewed
// before.
func (m *Manager) Join(conversationID string, handle presence.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leave(handle)
	ch, ok := m.channels[conversationID]
	if !ok {
		ch = &channel{id: conversationID, members: make(map[presence.Handle]struct{})}
		m.channels[conversationID] = ch
	}
	ch.members[handle] = struct{}{}
	m.joined[handle] = conversationID
}

// Leave drops handle from its conversation, if any.
func (m *Manager) Leave(handle presence.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leave(handle)
}

func (m *Manager) leave(handle presence.Handle) {
	id, ok := m.joined[handle]
	if !ok {
		return
	}
	delete(m.joined, handle)
	ch, ok := m.channels[id]
	if !ok {
		return
	}
	delete(ch.members, handle)
	if len(ch.members) == 0 {
		delete(m.channels, id)
	}
}

// Joined returns the conversation handle is subscribed to.
func (m *Manager) Joined(handle presence.Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.joined[handle]
	return id, ok
}

// Drop removes the channel for a dissolved conversation.
func (m *Manager) Drop(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[conversationID]
	if !ok {
		return
	}
	for h := range ch.members {
		delete(m.joined, h)
	}
	delete(m.channels, conversationID)
}

// Typing tells the other joined connections that from started or stopped
// typing. Delivery is best effort.
func (m *Manager) Typing(conversationID, from string, handle presence.Handle, isTyping bool) {
	if _, ok := Peer(conversationID, from); !ok {
		return
	}
	event := models.ServerMessage{
		Type:    models.ServerMessageTypeTypingStatus,
		Payload: models.TypingStatus{ConversationID: conversationID, UserID: from, IsTyping: isTyping},
	}
	m.mu.Lock()
	if ch, ok := m.channels[conversationID]; ok {
		ch.broadcast(event, handle)
	}
	m.mu.Unlock()
	m.publish(conversationID, event)
}

// DeliverToChannel sends msg to every local connection joined to the
// conversation.
func (m *Manager) DeliverToChannel(conversationID string, msg models.ServerMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[conversationID]; ok {
		ch.broadcast(msg, nil)
	}
}

func (m *Manager) publish(conversationID string, msg models.ServerMessage) {
	if m.fabric == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fabricTimeout)
	defer cancel()
	if err := m.fabric.PublishToChannel(ctx, conversationID, msg); err != nil {
		slog.Warn("failed to publish channel event", "conversation_id", conversationID, "error", err)
	}
}
