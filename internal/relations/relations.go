// Package relations manages friend requests and the friendship graph.
package relations

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"parley/internal/conversation"
	"parley/internal/models"
)

// Store is the persistent friend graph.
type Store interface {
	GetUser(id string) (models.User, error)
	FindUserByUsername(username string) (models.User, error)
	PutRequest(targetID, senderID string) error
	ListRequests(targetID string) ([]string, error)
	AcceptRequest(accepterID, senderID, conversationID string) (bool, error)
	ListFriends(userID string) ([]models.FriendEdge, error)
	RemoveFriendship(userA, userB, conversationID string) (bool, error)
}

// Notifier delivers events to online identities.
type Notifier interface {
	Notify(identity string, msg models.ServerMessage) bool
}

// Channels drops the delivery channel of a dissolved conversation.
type Channels interface {
	Drop(conversationID string)
}

type Manager struct {
	store    Store
	notifier Notifier
	channels Channels
}

func NewManager(store Store, notifier Notifier, channels Channels) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		channels: channels,
	}
}

// SendRequest records a pending request from the user to whoever holds
// toUsername and notifies them. Sending twice is harmless.
func (m *Manager) SendRequest(from, toUsername string) (models.User, error) {
	target, err := m.store.FindUserByUsername(strings.TrimSpace(toUsername))
	if err != nil {
		return models.User{}, err
	}
	if target.ID == from {
		return models.User{}, models.ErrSelfReference
	}
	sender, err := m.store.GetUser(from)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load sender: %w", err)
	}
	if err := m.store.PutRequest(target.ID, from); err != nil {
		return models.User{}, err
	}

	slog.Info("friend request sent", "from", from, "to", target.ID)
	m.notifier.Notify(target.ID, models.ServerMessage{
		Type:    models.ServerMessageTypeNewRequest,
		Payload: sender.Profile(),
	})
	return target, nil
}

// AcceptRequest turns the pending request from sender into a friendship with
// its conversation. It reports false without error when no request is pending.
func (m *Manager) AcceptRequest(accepter, sender string) (bool, error) {
	ok, err := m.store.AcceptRequest(accepter, sender, conversation.ID(accepter, sender))
	if err != nil || !ok {
		return false, err
	}

	slog.Info("friend request accepted", "accepter", accepter, "sender", sender)
	reload := models.ServerMessage{Type: models.ServerMessageTypeReloadData}
	m.notifier.Notify(accepter, reload)
	m.notifier.Notify(sender, reload)
	return true, nil
}

// Unfriend dissolves the friendship between a and b along with their
// conversation. Missing edges are tolerated; nobody is notified when there
// was nothing to remove.
func (m *Manager) Unfriend(a, b string) error {
	if a == b {
		return models.ErrSelfReference
	}
	convID := conversation.ID(a, b)
	removed, err := m.store.RemoveFriendship(a, b, convID)
	if err != nil {
		return err
	}
	m.channels.Drop(convID)
	if !removed {
		slog.Debug("unfriend without friendship", "user_id", a, "friend_id", b)
		return nil
	}

	slog.Info("friendship removed", "user_id", a, "friend_id", b)
	reload := models.ServerMessage{Type: models.ServerMessageTypeReloadData}
	m.notifier.Notify(a, models.ServerMessage{
		Type:    models.ServerMessageTypeUnfriended,
		Payload: models.Unfriended{FriendID: b},
	})
	m.notifier.Notify(b, models.ServerMessage{
		Type:    models.ServerMessageTypeUnfriended,
		Payload: models.Unfriended{FriendID: a},
	})
	m.notifier.Notify(a, reload)
	m.notifier.Notify(b, reload)
	return nil
}

// Forget tells the former friends of a deleted account that the friendship
// is gone. The edges are the ones the account held when it was removed.
func (m *Manager) Forget(userID string, edges []models.FriendEdge) {
	reload := models.ServerMessage{Type: models.ServerMessageTypeReloadData}
	for _, e := range edges {
		m.channels.Drop(e.ConversationID)
		m.notifier.Notify(e.FriendID, models.ServerMessage{
			Type:    models.ServerMessageTypeUnfriended,
			Payload: models.Unfriended{FriendID: userID},
		})
		m.notifier.Notify(e.FriendID, reload)
	}
	slog.Info("friendships forgotten", "user_id", userID, "count", len(edges))
}

// Friends lists the profiles of user's friends with their shared conversation.
func (m *Manager) Friends(user string) ([]models.Friend, error) {
	edges, err := m.store.ListFriends(user)
	if err != nil {
		return nil, err
	}
	friends := make([]models.Friend, 0, len(edges))
	for _, e := range edges {
		u, err := m.store.GetUser(e.FriendID)
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("friend edge points to missing user", "user_id", user, "friend_id", e.FriendID)
			continue
		}
		if err != nil {
			return nil, err
		}
		friends = append(friends, models.Friend{Profile: u.Profile(), ConversationID: e.ConversationID})
	}
	return friends, nil
}

// FriendIDs lists the identities user is befriended with.
func (m *Manager) FriendIDs(user string) ([]string, error) {
	edges, err := m.store.ListFriends(user)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.FriendID
	}
	return ids, nil
}

// Requests lists the profiles of users with a pending request to user.
func (m *Manager) Requests(user string) ([]models.Profile, error) {
	senders, err := m.store.ListRequests(user)
	if err != nil {
		return nil, err
	}
	users := make([]models.Profile, 0, len(senders))
	for _, id := range senders {
		u, err := m.store.GetUser(id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u.Profile())
	}
	return users, nil
}
