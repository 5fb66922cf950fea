package http

import (
	"io/fs"
	"net/http"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/ws"
)

type APIServerConfig struct {
	Addr   string
	Auth   *auth.AuthService
	API    *api.API
	WS     *ws.Server
	Assets fs.FS
}

func NewAPIServer(cfg APIServerConfig) *Server {
	h := cfg.API
	mux := http.NewServeMux()

	if cfg.Assets != nil {
		mux.HandleFunc("/", NewFileServerHandler(cfg.Auth, cfg.Assets))
	}

	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(h.RegisterHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(h.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(h.LogoffHandler))
	mux.HandleFunc("GET /api/me", h.RequireAuth(h.MeHandler))
	mux.HandleFunc("POST /api/profile", api.RequireSameOrigin(h.RequireAuth(h.ProfileHandler)))
	mux.HandleFunc("POST /api/upload", api.RequireSameOrigin(h.RequireAuth(h.UploadHandler)))
	mux.HandleFunc("GET /uploads/{id}", h.GetFileHandler)
	mux.HandleFunc("GET /api/push/key", h.PushKeyHandler)

	mux.HandleFunc("GET /ws", cfg.WS.HandleConnections)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return newServer("api", addr, mux)
}

// NewAdminServer serves account management. It has no authentication and
// must only listen on a loopback address.
func NewAdminServer(adminHandler *api.AdminHandler, addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/users", adminHandler.ListUsersHandler)
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("POST /admin/users/{id}/password", adminHandler.ResetPasswordHandler)
	mux.HandleFunc("DELETE /admin/users/{id}", adminHandler.DeleteUserHandler)
	mux.HandleFunc("GET /admin/online", adminHandler.OnlineHandler)

	if addr == "" {
		addr = "localhost:8081"
	}
	return newServer("admin", addr, mux)
}
