package http

import (
	"io/fs"
	"net/http"

	"parley/internal/auth"
	"parley/internal/ws"
)

// NewFileServerHandler serves client assets. The entry page redirects to the
// login page unless the request carries a live session.
func NewFileServerHandler(authService *auth.AuthService, assets fs.FS) http.HandlerFunc {
	fileServer := http.FileServer(http.FS(assets))

	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			if _, err := authService.GetUserID(ws.RequestToken(r)); err != nil {
				http.Redirect(w, r, "/login.html", http.StatusFound)
				return
			}
		}
		fileServer.ServeHTTP(w, r)
	}
}
