// Package ws binds websocket sessions to identities and routes their events
// to the relationship, conversation and signaling components.
//
// Every connect, inbound event and disconnect is applied by a single gateway
// loop, so handlers never race each other. The per-connection pumps only move
// frames between the socket and the loop.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/relations"
	"parley/internal/signaling"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pion/webrtc/v4"
)

const defaultInboxSize = 256

type TokenVerifier interface {
	GetUserID(token string) (string, error)
}

type UserStore interface {
	GetUser(id string) (models.User, error)
}

type PushSubscriber interface {
	Subscribe(userID string, sub webpush.Subscription) error
}

// Services are the components the gateway drives. Push is optional.
type Services struct {
	Tokens    TokenVerifier
	Users     UserStore
	Presence  *presence.Registry
	Relations *relations.Manager
	Convs     *conversation.Manager
	Relay     *signaling.Relay
	Push      PushSubscriber
}

type Config struct {
	ICEServers []webrtc.ICEServer
	InboxSize  int
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventMessage
	eventDisconnected
	eventKick
)

type event struct {
	kind     eventKind
	conn     *Connection
	msg      models.ClientMessage
	identity string
}

type Gateway struct {
	Services
	iceServers []webrtc.ICEServer
	inbox      chan event
	stopped    chan struct{}
	routes     map[models.ClientMessageType]handler
}

func NewGateway(cfg Config, services Services) *Gateway {
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	iceServers := cfg.ICEServers
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}
	g := &Gateway{
		Services:   services,
		iceServers: iceServers,
		inbox:      make(chan event, size),
		stopped:    make(chan struct{}),
	}
	g.routes = g.routeTable()
	return g
}

// Run applies queued events until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.stopped)
	slog.Info("gateway started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("gateway stopped")
			return nil
		case ev := <-g.inbox:
			g.apply(ev)
		}
	}
}

func (g *Gateway) Connected(c *Connection) {
	g.submit(context.Background(), event{kind: eventConnected, conn: c})
}

func (g *Gateway) Received(ctx context.Context, c *Connection, msg models.ClientMessage) {
	g.submit(ctx, event{kind: eventMessage, conn: c, msg: msg})
}

func (g *Gateway) Disconnected(c *Connection) {
	g.submit(context.Background(), event{kind: eventDisconnected, conn: c})
}

// Disconnect closes the local session of identity, if any. The session then
// goes through the regular disconnect path.
func (g *Gateway) Disconnect(identity string) {
	g.submit(context.Background(), event{kind: eventKick, identity: identity})
}

// Online lists the identities with a live session in this process.
func (g *Gateway) Online() []string {
	return g.Presence.Online()
}

func (g *Gateway) submit(ctx context.Context, ev event) {
	select {
	case g.inbox <- ev:
	case <-ctx.Done():
	case <-g.stopped:
	}
}

func (g *Gateway) apply(ev event) {
	switch ev.kind {
	case eventConnected:
		if ev.conn.preauthID != "" {
			if err := g.bind(ev.conn, ev.conn.preauthID); err != nil {
				g.fail(ev.conn, "connect", err)
			}
		}
	case eventMessage:
		g.dispatch(ev.conn, ev.msg)
	case eventDisconnected:
		g.disconnect(ev.conn)
	case eventKick:
		if c, ok := g.localConnection(ev.identity); ok {
			slog.Info("closing session", "user_id", ev.identity)
			c.Close()
		}
	}
}

func (g *Gateway) dispatch(c *Connection, msg models.ClientMessage) {
	h, ok := g.routes[msg.Type]
	if !ok {
		slog.Warn("unknown event type", "type", msg.Type)
		return
	}
	if c.userID == "" && msg.Type != models.ClientMessageTypeAuthenticate {
		slog.Debug("ignoring event before authentication", "type", msg.Type, "error", models.ErrUnauthorized)
		return
	}
	if err := h(c, msg.Payload); err != nil {
		g.fail(c, string(msg.Type), err)
	}
}

// bind authenticates c as userID and announces it to online friends.
func (g *Gateway) bind(c *Connection, userID string) error {
	if c.userID != "" && c.userID != userID {
		return errAlreadyAuthenticated
	}
	user, err := g.Users.GetUser(userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	c.userID = user.ID
	c.user = user
	g.Presence.Register(user.ID, c)
	slog.Info("user connected", "user_id", user.ID)

	c.Send(models.ServerMessage{
		Type:    models.ServerMessageTypeAuthSuccess,
		Payload: authSuccess{User: user, ICEServers: g.iceServers},
	})

	friendIDs, err := g.Relations.FriendIDs(user.ID)
	if err != nil {
		return fmt.Errorf("failed to list friends: %w", err)
	}
	c.Send(models.ServerMessage{
		Type:    models.ServerMessageTypeFriendsOnline,
		Payload: g.Presence.OnlineStatus(friendIDs),
	})
	g.announce(user.ID, friendIDs, true)
	return nil
}

func (g *Gateway) disconnect(c *Connection) {
	if c.userID == "" {
		return
	}
	removed := g.Presence.Unregister(c.userID, c)
	g.Convs.Leave(c)

	if c.call != nil {
		peer := c.call.peer
		if _, err := g.Relay.CallEnd(c.userID, peer, models.CallReasonDisconnected); err != nil {
			slog.Warn("failed to end call on disconnect", "user_id", c.userID, "error", err)
		}
		if pc, ok := g.localConnection(peer); ok {
			pc.endCall(c.userID)
		}
		c.call = nil
	}

	if !removed {
		slog.Info("superseded connection closed", "user_id", c.userID, "error", models.ErrStaleSession)
		return
	}
	slog.Info("user disconnected", "user_id", c.userID)
	friendIDs, err := g.Relations.FriendIDs(c.userID)
	if err != nil {
		slog.Error("failed to list friends on disconnect", "user_id", c.userID, "error", err)
		return
	}
	g.announce(c.userID, friendIDs, false)
}

func (g *Gateway) announce(userID string, friendIDs []string, online bool) {
	msg := models.ServerMessage{
		Type:    models.ServerMessageTypeOnlineStatus,
		Payload: models.OnlineStatus{UserID: userID, IsOnline: online},
	}
	for _, id := range friendIDs {
		g.Presence.Notify(id, msg)
	}
}

// localConnection returns the live connection of identity in this process.
func (g *Gateway) localConnection(identity string) (*Connection, bool) {
	h, ok := g.Presence.HandleOf(identity)
	if !ok {
		return nil, false
	}
	c, ok := h.(*Connection)
	return c, ok
}

// fail reports err to the client as a status-error.
func (g *Gateway) fail(c *Connection, op string, err error) {
	text, known := describe(err)
	if known {
		slog.Debug("request rejected", "op", op, "user_id", c.userID, "error", err)
	} else {
		slog.Error("request failed", "op", op, "user_id", c.userID, "error", err)
	}
	c.Send(models.ServerMessage{
		Type:    models.ServerMessageTypeStatusError,
		Payload: models.APIResponse{Success: false, Message: text},
	})
}

func succeed(c *Connection, text string) {
	c.Send(models.ServerMessage{
		Type:    models.ServerMessageTypeStatusSuccess,
		Payload: models.APIResponse{Success: true, Message: text},
	})
}

// DeliverToUser hands an event from another process to a local connection.
func (g *Gateway) DeliverToUser(identity string, msg models.ServerMessage) {
	g.Presence.DeliverLocal(identity, msg)
}

// DeliverToChannel hands a channel event from another process to the local
// members of the conversation.
func (g *Gateway) DeliverToChannel(conversationID string, msg models.ServerMessage) {
	g.Convs.DeliverToChannel(conversationID, msg)
}

var (
	errAlreadyAuthenticated = errors.New("connection already authenticated as another user")
	errBadPayload           = errors.New("malformed payload")
	errInCall               = errors.New("already in a call")
	errPushDisabled         = errors.New("push notifications are not configured")
)

func describe(err error) (string, bool) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "User not found", true
	case errors.Is(err, models.ErrSelfReference):
		return "You cannot add yourself", true
	case errors.Is(err, models.ErrAlreadyFriends):
		return "You are already friends", true
	case errors.Is(err, models.ErrUnauthorized):
		return "Authentication failed", true
	case errors.Is(err, models.ErrNoSuchConversation):
		return "Conversation not found", true
	case errors.Is(err, models.ErrNotParticipant):
		return "You are not part of this conversation", true
	case errors.Is(err, models.ErrEmptyMessage):
		return "Message is empty", true
	case errors.Is(err, errAlreadyAuthenticated),
		errors.Is(err, errBadPayload),
		errors.Is(err, errInCall),
		errors.Is(err, errPushDisabled),
		errors.Is(err, push.ErrInvalidSubscription),
		errors.Is(err, signaling.ErrMissingPeer):
		return err.Error(), true
	}
	return "Something went wrong", false
}

type handler func(c *Connection, payload json.RawMessage) error

// route adapts a typed handler to the dispatch table.
func route[T any](fn func(c *Connection, p T) error) handler {
	return func(c *Connection, raw json.RawMessage) error {
		var p T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("%w: %v", errBadPayload, err)
			}
		}
		return fn(c, p)
	}
}
