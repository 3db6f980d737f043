package hub

import (
	"encoding/json"

	"github.com/Tyrowin/roomrelay/internal/store"
)

// Inbound event names.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventSendMessage    = "send_message"
	EventSendImage      = "send_image"
	EventSendFile       = "send_file"
	EventDeleteMessage  = "delete_message"
	EventClearHistory   = "clear_history"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventSignal         = "signal"
	EventSendTranscript = "send_transcript"
	EventSendTTS        = "send_tts"
)

// Outbound event names.
const (
	EventUserList          = "update_user_list"
	EventLoadHistory       = "load_history"
	EventChatMessage       = "chat_message"
	EventMessageDeleted    = "message_deleted"
	EventHistoryCleared    = "history_cleared"
	EventDisplayTyping     = "display_typing"
	EventHideTyping        = "hide_typing"
	EventReceiveTranscript = "receive_transcript"
	EventPlayTTS           = "play_tts"
)

// relayed maps passthrough inbound events to the name they go out under.
var relayed = map[string]string{
	EventSignal:         EventSignal,
	EventSendTranscript: EventReceiveTranscript,
	EventSendTTS:        EventPlayTTS,
}

const timestampLayout = "15:04"

// Envelope is the frame carried by every WebSocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

type roomPayload struct {
	Room string `json:"room" validate:"required,max=50"`
}

type sendMessagePayload struct {
	Room     string `json:"room" validate:"required,max=50"`
	Username string `json:"username" validate:"max=150"`
	Message  string `json:"message" validate:"required"`
}

type sendImagePayload struct {
	Room     string `json:"room" validate:"required,max=50"`
	Username string `json:"username" validate:"max=150"`
	Image    string `json:"image" validate:"required"`
}

type sendFilePayload struct {
	Room     string `json:"room" validate:"required,max=50"`
	Username string `json:"username" validate:"max=150"`
	File     string `json:"file" validate:"required"`
	FileName string `json:"fileName" validate:"required,max=255"`
}

type deleteMessagePayload struct {
	ID       uint64 `json:"id" validate:"required"`
	Username string `json:"username" validate:"max=150"`
	Room     string `json:"room" validate:"max=50"`
}

type typingPayload struct {
	Room     string `json:"room" validate:"required,max=50"`
	Username string `json:"username" validate:"max=150"`
}

// ChatMessage is the wire shape of one message, live or in history.
type ChatMessage struct {
	ID           uint64 `json:"id"`
	Username     string `json:"username"`
	Message      string `json:"message"`
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
	OriginalName string `json:"originalName,omitempty"`
}

// MessageDeleted announces a removed message.
type MessageDeleted struct {
	ID uint64 `json:"id"`
}

// DisplayTyping announces who is typing.
type DisplayTyping struct {
	Username string `json:"username"`
}

func toChatMessage(m store.Message) ChatMessage {
	return ChatMessage{
		ID:           m.ID,
		Username:     m.SenderUsername,
		Message:      m.Content,
		Type:         string(m.Kind),
		Timestamp:    m.CreatedAt.UTC().Format(timestampLayout),
		OriginalName: m.OriginalName,
	}
}

func toHistory(msgs []store.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatMessage(m))
	}
	return out
}
