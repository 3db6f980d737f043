package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/Tyrowin/roomrelay/internal/errs"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/users"
)

const maxProfileBody = 64 << 10

// ProfileDirectory lists users and edits profiles.
type ProfileDirectory interface {
	Lookup(ctx context.Context, username string) (users.Identity, error)
	List(ctx context.Context, except string) ([]users.Identity, error)
	UpdateProfile(ctx context.Context, username string, p users.Profile) (users.Identity, error)
}

type directoryEntry struct {
	users.Identity
	Online bool `json:"online"`
}

type directoryResponse struct {
	Users  []directoryEntry `json:"users"`
	Online []string         `json:"online"`
}

type profileRequest struct {
	DisplayName *string `json:"displayName" validate:"omitempty,max=150"`
	Bio         *string `json:"bio" validate:"omitempty,max=500"`
	AvatarRef   *string `json:"avatarRef" validate:"omitempty,max=150"`
}

// Users lists every other registered user with an online flag, plus the
// online roster.
func (h *Handlers) Users(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	ids, err := h.profiles.List(r.Context(), caller.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var online []string
	if h.presence != nil {
		online = h.presence.OnlineUsers()
	}
	if online == nil {
		online = []string{}
	}
	entries := lo.Map(ids, func(id users.Identity, _ int) directoryEntry {
		return directoryEntry{Identity: id, Online: lo.Contains(online, id.Username)}
	})

	h.writeJSON(w, r, http.StatusOK, directoryResponse{Users: entries, Online: online})
}

// Profile returns the caller's profile.
func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	id, err := h.profiles.Lookup(r.Context(), caller.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, id)
}

// EditProfile applies a partial profile update for the caller. Omitted fields
// are kept; an empty avatarRef restores the default avatar.
func (h *Handlers) EditProfile(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProfileBody)).Decode(&req); err != nil {
		h.writeError(w, r, errs.ErrInvalidPayload)
		return
	}
	if req.DisplayName != nil && strings.TrimSpace(*req.DisplayName) == "" {
		h.writeError(w, r, errs.ErrInvalidPayload)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, errs.ErrInvalidPayload)
		return
	}

	id, err := h.profiles.UpdateProfile(r.Context(), caller.Username, users.Profile{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		AvatarRef:   req.AvatarRef,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	log := logging.Ctx(r.Context())
	log.Info().Str(logging.FieldUsername, caller.Username).Msg("profile updated")
	h.writeJSON(w, r, http.StatusOK, id)
}

// caller resolves the bearer token. Unlike the WebSocket endpoint these
// routes never serve anonymous callers.
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (users.Identity, bool) {
	token := tokenFromRequest(r)
	if token == "" || h.resolver == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return users.Identity{}, false
	}

	id, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return users.Identity{}, false
	}
	return id, true
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidToken):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, errs.ErrInvalidPayload):
		http.Error(w, "Bad request", http.StatusBadRequest)
	default:
		log := logging.Ctx(r.Context())
		log.Error().Err(err).Str(logging.FieldPath, r.URL.Path).Msg("directory request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logging.Ctx(r.Context())
		log.Warn().Err(err).Msg("error writing response")
	}
}
