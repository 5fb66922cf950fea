package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// keepAlive is implemented by *websocket.Conn. Test doubles may omit it.
type keepAlive interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type sessionInbox interface {
	Connected(c *Connection)
	Received(ctx context.Context, c *Connection, msg models.ClientMessage)
	Disconnected(c *Connection)
}

// Connection is one websocket session. The read and write pumps only move
// frames; all session state below is owned by the gateway loop.
type Connection struct {
	ws        wsConnection
	inbox     sessionInbox
	send      chan models.ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	// preauthID is the identity proven by the upgrade request, if any.
	preauthID string

	userID string
	user   models.User
	call   *callState
}

func NewConnection(inbox sessionInbox, ws wsConnection, preauthID string) *Connection {
	return &Connection{
		ws:        ws,
		inbox:     inbox,
		send:      make(chan models.ServerMessage, sendBufferSize),
		done:      make(chan struct{}),
		preauthID: preauthID,
	}
}

// Send queues msg for the client without blocking. A full queue or a closed
// connection drops the message.
func (c *Connection) Send(msg models.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("dropping outbound message, send queue full", "type", msg.Type)
		return false
	}
}

// Close stops the pumps. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Handle runs the session until the client goes away or ctx is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.Close()
		c.inbox.Disconnected(c)
	}()

	if ka, ok := c.ws.(keepAlive); ok {
		ka.SetReadLimit(maxMessageSize)
		_ = ka.SetReadDeadline(time.Now().Add(pongWait))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	c.inbox.Connected(c)

	errorCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- c.readPump(ctx)
		cancel()
	})
	wg.Go(func() {
		errorCh <- c.writePump(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	}
	cancel()
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isCloseError(err) {
		return err
	}
	return nil
}

func (c *Connection) readPump(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		c.inbox.Received(ctx, c, msg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Connection) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ka, _ := c.ws.(keepAlive)
	for {
		select {
		case msg := <-c.send:
			if ka != nil {
				_ = ka.SetWriteDeadline(time.Now().Add(writeWait))
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if ka == nil {
				continue
			}
			if err := ka.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
