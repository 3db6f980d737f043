package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomrelay/internal/errs"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/users"
)

// IdentityResolver maps a connect token to a user.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (users.Identity, error)
}

// PresenceView reports who is online.
type PresenceView interface {
	Online() int
	OnlineUsers() []string
}

// HandlerOptions configures Handlers.
type HandlerOptions struct {
	Gateway      *Gateway
	Resolver     IdentityResolver
	Presence     PresenceView
	Profiles     ProfileDirectory
	Origins      *OriginPolicy
	RequireToken bool
	Logger       zerolog.Logger
}

// Handlers serves the WebSocket, health and user directory endpoints.
type Handlers struct {
	gateway      *Gateway
	resolver     IdentityResolver
	presence     PresenceView
	profiles     ProfileDirectory
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	requireToken bool
	log          zerolog.Logger
}

// NewHandlers builds the HTTP handlers.
func NewHandlers(opts HandlerOptions) *Handlers {
	return &Handlers{
		gateway:  opts.Gateway,
		resolver: opts.Resolver,
		presence: opts.Presence,
		profiles: opts.Profiles,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.Origins.Check,
		},
		requireToken: opts.RequireToken,
		log:          opts.Logger,
	}
}

// WebSocket resolves the caller's identity and upgrades the connection.
// A bad token is rejected with 401 before the upgrade; without a token the
// connection is anonymous unless tokens are required.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.identify(r)
	if err != nil {
		log := logging.Ctx(r.Context())
		log.Warn().Err(err).Msg("websocket identity rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		log := logging.Ctx(r.Context())
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.NewString(), conn, h.gateway, identity, logging.ClientIP(r))
	if !h.gateway.enqueue(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

func (h *Handlers) identify(r *http.Request) (*users.Identity, error) {
	token := tokenFromRequest(r)
	if token == "" {
		if h.requireToken {
			return nil, errs.ErrInvalidToken
		}
		return nil, nil
	}
	if h.resolver == nil {
		return nil, errors.New("token supplied but identity resolution is not configured")
	}

	id, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
}

// Health reports liveness with connection and presence counts.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{Status: "ok", Connections: h.gateway.Count()}
	if h.presence != nil {
		resp.Online = h.presence.Online()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log := logging.Ctx(r.Context())
		log.Warn().Err(err).Msg("error writing health response")
	}
}
