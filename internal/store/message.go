//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=mocks/mock_store.go -package=mocks
package store

import (
	"context"
	"time"
)

// Kind is the message content type persisted in msg_type.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the persisted kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// Message is one persisted room message. For image and file messages Content
// holds the stored media reference, never inline bytes.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	Room           string    `gorm:"size:50;not null;index:idx_messages_room_ts,priority:1"`
	SenderUsername string    `gorm:"column:sender_username;size:150;not null"`
	Content        string    `gorm:"type:text;not null"`
	Kind           Kind      `gorm:"column:msg_type;size:10;not null;default:text"`
	OriginalName   string    `gorm:"column:original_name;size:255"`
	CreatedAt      time.Time `gorm:"column:timestamp;not null;index:idx_messages_room_ts,priority:2"`
}

// TableName pins the table name used by the original schema.
func (Message) TableName() string {
	return "messages"
}

// MessageStore is the persistence contract consumed by the event hub.
type MessageStore interface {
	// Append persists m and fills in its ID and CreatedAt.
	Append(ctx context.Context, m *Message) error

	// History returns the room's messages ordered by CreatedAt, then ID.
	History(ctx context.Context, room string) ([]Message, error)

	// Get returns a single message or errs.ErrNotFound.
	Get(ctx context.Context, id uint64) (Message, error)

	// DeleteByID removes a message and reports whether a row existed.
	DeleteByID(ctx context.Context, id uint64) (bool, error)

	// DeleteByRoom removes every message of the room and returns the count.
	DeleteByRoom(ctx context.Context, room string) (int64, error)
}
