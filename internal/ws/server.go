package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

type Server struct {
	ctx      context.Context
	tokens   TokenVerifier
	gateway  *Gateway
	upgrader *websocket.Upgrader
}

// NewServer upgrades requests to websocket sessions served by gateway.
// Sessions end when ctx is cancelled.
func NewServer(ctx context.Context, tokens TokenVerifier, gateway *Gateway) *Server {
	return &Server{
		ctx:     ctx,
		tokens:  tokens,
		gateway: gateway,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RequestToken extracts a session token from the cookie, a token header,
// a bearer authorization header or the query string.
func RequestToken(r *http.Request) string {
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

// HandleConnections serves GET /ws. A token on the upgrade request must be
// valid; without one the client authenticates with an authenticate event.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var userID string
	if token := RequestToken(r); token != "" {
		id, err := s.tokens.GetUserID(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}

	if err := NewConnection(s.gateway, conn, userID).Handle(s.ctx); err != nil {
		slog.Debug("websocket session ended", "remote", r.RemoteAddr, "error", err)
	}
}
