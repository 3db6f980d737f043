// Package hub is the relay's event state machine. It owns the session table,
// turns inbound events into store and registry operations, and decides who
// receives each outbound event.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomrelay/internal/errs"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/media"
	"github.com/Tyrowin/roomrelay/internal/presence"
	"github.com/Tyrowin/roomrelay/internal/rooms"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/Tyrowin/roomrelay/internal/users"
)

// Transport delivers an encoded frame to one connection. It must not block;
// false means the connection is gone or cannot keep up.
type Transport interface {
	Deliver(connID string, frame []byte) bool
}

// MediaIngestor stores inline uploads.
type MediaIngestor interface {
	Ingest(ctx context.Context, u media.Upload) (string, error)
	Discard(ctx context.Context, ref string) error
}

// Ownership answers whether a claimed username may delete a message.
type Ownership interface {
	CanDelete(claimedUsername string, m store.Message) bool
}

// Deps are the collaborators a Hub is built from.
type Deps struct {
	Store     store.MessageStore
	Media     MediaIngestor
	Owners    Ownership
	Rooms     *rooms.Registry
	Presence  *presence.Registry
	Transport Transport
	Logger    zerolog.Logger
}

type session struct {
	id       string
	username string
	closed   atomic.Bool
}

// Hub routes events between connections.
type Hub struct {
	store     store.MessageStore
	media     MediaIngestor
	owners    Ownership
	rooms     *rooms.Registry
	presence  *presence.Registry
	transport Transport
	validate  *validator.Validate
	seq       *sequencer
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	// rosterMu keeps roster broadcasts in the order presence changed.
	rosterMu sync.Mutex
}

// New builds a Hub. Rooms and Presence default to fresh registries.
func New(d Deps) *Hub {
	if d.Rooms == nil {
		d.Rooms = rooms.NewRegistry()
	}
	if d.Presence == nil {
		d.Presence = presence.NewRegistry()
	}

	return &Hub{
		store:     d.Store,
		media:     d.Media,
		owners:    d.Owners,
		rooms:     d.Rooms,
		presence:  d.Presence,
		transport: d.Transport,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		seq:       newSequencer(),
		log:       d.Logger.With().Str("component", "hub").Logger(),
		sessions:  make(map[string]*session),
	}
}

// Connect registers a connection. identity is nil for anonymous connections,
// which never count towards presence.
func (h *Hub) Connect(_ context.Context, connID string, identity *users.Identity) error {
	s := &session{id: connID}
	if identity != nil {
		s.username = identity.Username
	}

	h.mu.Lock()
	if _, exists := h.sessions[connID]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: connection %s", errs.ErrConflict, connID)
	}
	h.sessions[connID] = s
	h.mu.Unlock()

	log := h.log.With().Str(logging.FieldConnID, connID).Str(logging.FieldUsername, s.username).Logger()
	log.Debug().Msg("connection registered")

	if s.username == "" {
		return nil
	}

	h.rosterMu.Lock()
	defer h.rosterMu.Unlock()

	if h.presence.Connect(s.username) {
		log.Info().Msg("user online")
		h.broadcastAll(EventUserList, h.presence.Snapshot())
		return nil
	}
	// Already online elsewhere: only the new connection needs the roster.
	h.deliver(connID, EventUserList, h.presence.Snapshot())
	return nil
}

// Disconnect runs the cleanup transition for connID. Repeated or concurrent
// calls are safe; only the first one has any effect.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	s, ok := h.sessions[connID]
	if ok {
		delete(h.sessions, connID)
		s.closed.Store(true)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	left := h.rooms.LeaveAll(connID)
	log := h.log.With().Str(logging.FieldConnID, connID).Str(logging.FieldUsername, s.username).Logger()
	log.Debug().Strs("rooms", left).Msg("connection removed")

	if s.username == "" {
		return
	}

	h.rosterMu.Lock()
	defer h.rosterMu.Unlock()

	if h.presence.Disconnect(s.username) {
		log.Info().Msg("user offline")
		h.broadcastAll(EventUserList, h.presence.Snapshot())
	}
}

// Sessions returns the number of registered connections.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Online returns the number of distinct online usernames.
func (h *Hub) Online() int {
	return h.presence.Len()
}

// OnlineUsers returns the online usernames in first-connection order.
func (h *Hub) OnlineUsers() []string {
	return h.presence.Snapshot()
}

// Handle decodes and applies one inbound frame from connID. The returned
// error is informational: failures never affect the connection itself.
func (h *Hub) Handle(ctx context.Context, connID string, raw []byte) error {
	s := h.session(connID)
	if s == nil {
		return fmt.Errorf("%w: connection %s", errs.ErrNotFound, connID)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}

	log := h.log.With().
		Str(logging.FieldConnID, connID).
		Str(logging.FieldEvent, env.Event).
		Logger()
	ctx = logging.WithLogger(ctx, log)

	err := h.dispatch(ctx, s, env)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrAuthorizationDenied), errors.Is(err, errs.ErrNotFound):
		log.Debug().Err(err).Msg("event ignored")
	case errors.Is(err, errs.ErrUnknownEvent), errors.Is(err, errs.ErrInvalidPayload), errors.Is(err, errs.ErrDecode):
		log.Warn().Err(err).Msg("event dropped")
	default:
		log.Error().Err(err).Msg("event failed")
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, s *session, env Envelope) error {
	switch env.Event {
	case EventJoin:
		return h.onJoin(ctx, s, env.Data)
	case EventLeave:
		return h.onLeave(s, env.Data)
	case EventSendMessage:
		return h.onSendMessage(ctx, s, env.Data)
	case EventSendImage:
		return h.onSendImage(ctx, s, env.Data)
	case EventSendFile:
		return h.onSendFile(ctx, s, env.Data)
	case EventDeleteMessage:
		return h.onDeleteMessage(ctx, s, env.Data)
	case EventClearHistory:
		return h.onClearHistory(ctx, s, env.Data)
	case EventTyping:
		return h.onTyping(s, env.Data)
	case EventStopTyping:
		return h.onStopTyping(s, env.Data)
	case EventSignal, EventSendTranscript, EventSendTTS:
		return h.onRelay(s, relayed[env.Event], env.Data)
	default:
		return fmt.Errorf("%w: %q", errs.ErrUnknownEvent, env.Event)
	}
}

func (h *Hub) session(connID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[connID]
}

// decode unmarshals data into dst and runs struct validation.
func (h *Hub) decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errs.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}
	return nil
}

func (h *Hub) deliver(connID, event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldEvent, event).Msg("encode failed")
		return
	}
	h.transport.Deliver(connID, frame)
}

// deliverToRoom sends to a snapshot of the room's members, skipping exclude.
func (h *Hub) deliverToRoom(room, event string, data any, exclude string) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldEvent, event).Msg("encode failed")
		return
	}
	for _, id := range h.rooms.Members(room) {
		if id == exclude {
			continue
		}
		h.transport.Deliver(id, frame)
	}
}

func (h *Hub) broadcastAll(event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldEvent, event).Msg("encode failed")
		return
	}

	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.transport.Deliver(id, frame)
	}
}

// claimed returns the payload username, falling back to the session's.
func claimed(s *session, username string) string {
	if username != "" {
		return username
	}
	return s.username
}

// sender is claimed for events that attribute content to someone. Anonymous
// connections must name a username in the payload.
func sender(s *session, username string) (string, error) {
	who := claimed(s, username)
	if who == "" {
		return "", fmt.Errorf("%w: username is required", errs.ErrInvalidPayload)
	}
	return who, nil
}
