package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/roomrelay/internal/errs"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/media"
	"github.com/Tyrowin/roomrelay/internal/store"
)

// onJoin subscribes the connection and sends it the room history. The room
// stays locked until the history frame is queued, so no live message for the
// room can reach the joiner ahead of it.
func (h *Hub) onJoin(ctx context.Context, s *session, data json.RawMessage) error {
	var p roomPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}

	unlock := h.seq.lock(p.Room)
	defer unlock()

	h.rooms.Join(s.id, p.Room)
	if s.closed.Load() {
		// Lost a race with Disconnect, whose LeaveAll may have run already.
		h.rooms.Leave(s.id, p.Room)
		return nil
	}

	msgs, err := h.store.History(ctx, p.Room)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", p.Room, err)
	}

	h.deliver(s.id, EventLoadHistory, toHistory(msgs))
	log := logging.Ctx(ctx)
	log.Debug().Str(logging.FieldRoom, p.Room).Int("messages", len(msgs)).Msg("joined room")
	return nil
}

func (h *Hub) onLeave(s *session, data json.RawMessage) error {
	var p roomPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	h.rooms.Leave(s.id, p.Room)
	return nil
}

func (h *Hub) onSendMessage(ctx context.Context, s *session, data json.RawMessage) error {
	var p sendMessagePayload
	if err := h.decode(data, &p); err != nil {
		return err
	}

	who, err := sender(s, p.Username)
	if err != nil {
		return err
	}

	return h.publish(ctx, &store.Message{
		Room:           p.Room,
		SenderUsername: who,
		Content:        p.Message,
		Kind:           store.KindText,
	})
}

func (h *Hub) onSendImage(ctx context.Context, s *session, data json.RawMessage) error {
	var p sendImagePayload
	if err := h.decode(data, &p); err != nil {
		return err
	}

	who, err := sender(s, p.Username)
	if err != nil {
		return err
	}

	return h.publishMedia(ctx, p.Room, media.Upload{
		Sender:  who,
		Kind:    store.KindImage,
		Payload: p.Image,
	})
}

func (h *Hub) onSendFile(ctx context.Context, s *session, data json.RawMessage) error {
	var p sendFilePayload
	if err := h.decode(data, &p); err != nil {
		return err
	}

	who, err := sender(s, p.Username)
	if err != nil {
		return err
	}

	return h.publishMedia(ctx, p.Room, media.Upload{
		Sender:       who,
		Kind:         store.KindFile,
		Payload:      p.File,
		OriginalName: p.FileName,
	})
}

// publishMedia stores the blob first, outside the room lock, and removes it
// again if the message cannot be persisted.
func (h *Hub) publishMedia(ctx context.Context, room string, u media.Upload) error {
	if h.media == nil {
		return fmt.Errorf("%w: media uploads are disabled", errs.ErrInvalidPayload)
	}

	ref, err := h.media.Ingest(ctx, u)
	if err != nil {
		return err
	}

	m := &store.Message{
		Room:           room,
		SenderUsername: u.Sender,
		Content:        ref,
		Kind:           u.Kind,
		OriginalName:   u.OriginalName,
	}
	if err := h.publish(ctx, m); err != nil {
		if derr := h.media.Discard(ctx, ref); derr != nil {
			log := logging.Ctx(ctx)
			log.Warn().Err(derr).Str("key", ref).Msg("orphaned media blob")
		}
		return err
	}
	return nil
}

// publish appends m and broadcasts it to the whole room, sender included.
// Nothing is sent when the append fails.
func (h *Hub) publish(ctx context.Context, m *store.Message) error {
	unlock := h.seq.lock(m.Room)
	defer unlock()

	if err := h.store.Append(ctx, m); err != nil {
		return fmt.Errorf("append to %s: %w", m.Room, err)
	}

	h.deliverToRoom(m.Room, EventChatMessage, toChatMessage(*m), "")
	log := logging.Ctx(ctx)
	log.Debug().
		Str(logging.FieldRoom, m.Room).
		Uint64(logging.FieldMessageID, m.ID).
		Str(logging.FieldKind, string(m.Kind)).
		Msg("message published")
	return nil
}

// onDeleteMessage removes a message when the claimed username matches its
// sender. The claim is whatever the client sent; it is not checked against
// the session identity.
func (h *Hub) onDeleteMessage(ctx context.Context, s *session, data json.RawMessage) error {
	var p deleteMessagePayload
	if err := h.decode(data, &p); err != nil {
		return err
	}

	msg, err := h.store.Get(ctx, p.ID)
	if err != nil {
		return err
	}

	who := claimed(s, p.Username)
	if !h.owners.CanDelete(who, msg) {
		return fmt.Errorf("%w: %q may not delete message %d", errs.ErrAuthorizationDenied, who, p.ID)
	}

	room := p.Room
	if room == "" {
		room = msg.Room
	}

	if err := h.remove(ctx, msg.Room, room, p.ID); err != nil {
		return err
	}

	if msg.Kind != store.KindText && h.media != nil {
		if err := h.media.Discard(ctx, msg.Content); err != nil {
			log := logging.Ctx(ctx)
			log.Warn().Err(err).Str("key", msg.Content).Msg("failed to remove media blob")
		}
	}
	return nil
}

// remove deletes id under the lock of the room it is stored in and announces
// the deletion to notify, the room the client named.
func (h *Hub) remove(ctx context.Context, stored, notify string, id uint64) error {
	unlock := h.seq.lock(stored)
	defer unlock()

	deleted, err := h.store.DeleteByID(ctx, id)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	if !deleted {
		return fmt.Errorf("%w: message %d", errs.ErrNotFound, id)
	}

	h.deliverToRoom(notify, EventMessageDeleted, MessageDeleted{ID: id}, "")
	return nil
}

func (h *Hub) onClearHistory(ctx context.Context, _ *session, data json.RawMessage) error {
	var p roomPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}

	unlock := h.seq.lock(p.Room)
	defer unlock()

	n, err := h.store.DeleteByRoom(ctx, p.Room)
	if err != nil {
		return fmt.Errorf("clear %s: %w", p.Room, err)
	}

	h.deliverToRoom(p.Room, EventHistoryCleared, struct{}{}, "")
	log := logging.Ctx(ctx)
	log.Info().Str(logging.FieldRoom, p.Room).Int64("removed", n).Msg("history cleared")
	return nil
}

func (h *Hub) onTyping(s *session, data json.RawMessage) error {
	var p typingPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	who, err := sender(s, p.Username)
	if err != nil {
		return err
	}
	h.deliverToRoom(p.Room, EventDisplayTyping, DisplayTyping{Username: who}, s.id)
	return nil
}

func (h *Hub) onStopTyping(s *session, data json.RawMessage) error {
	var p roomPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	h.deliverToRoom(p.Room, EventHideTyping, struct{}{}, s.id)
	return nil
}

// onRelay forwards an opaque payload to the rest of the room untouched. Only
// the room field is read.
func (h *Hub) onRelay(s *session, event string, data json.RawMessage) error {
	var p roomPayload
	if err := h.decode(data, &p); err != nil {
		return err
	}
	h.deliverToRoom(p.Room, event, data, s.id)
	return nil
}
