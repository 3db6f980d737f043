package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomrelay/internal/logging"
)

// SetupRoutes mounts the relay endpoints behind the request logging
// middleware.
func SetupRoutes(h *Handlers, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", h.Health)
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ws", h.WebSocket)
	if h.profiles != nil {
		mux.HandleFunc("GET /api/users", h.Users)
		mux.HandleFunc("GET /api/profile", h.Profile)
		mux.HandleFunc("PATCH /api/profile", h.EditProfile)
	}
	return logging.HTTPMiddleware(log)(mux)
}
