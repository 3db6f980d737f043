// Package store persists room messages. GormStore is the durable
// implementation; CachedStore layers a redis history cache on top of any
// MessageStore.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Tyrowin/roomrelay/internal/database"
	"github.com/Tyrowin/roomrelay/internal/errs"
)

// GormStore implements MessageStore on any gorm dialect.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore migrates the messages table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := database.AutoMigrate(db, &Message{}); err != nil {
		return nil, fmt.Errorf("migrate messages: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// WithClock overrides the timestamp source. Used by tests.
func (s *GormStore) WithClock(now func() time.Time) *GormStore {
	s.now = now
	return s
}

// Append inserts the message inside a transaction.
func (s *GormStore) Append(ctx context.Context, m *Message) error {
	if m.Kind == "" {
		m.Kind = KindText
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unsupported kind %q", errs.ErrInvalidPayload, m.Kind)
	}
	m.ID = 0
	m.CreatedAt = s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(m).Error
	})
	if err != nil {
		m.ID = 0
		return fmt.Errorf("%w: append: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// History returns the room's messages in chronological order.
func (s *GormStore) History(ctx context.Context, room string) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", errs.ErrStoreUnavailable, err)
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
	}
	return msgs, nil
}

// Get loads a message by id.
func (s *GormStore) Get(ctx context.Context, id uint64) (Message, error) {
	var m Message
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, fmt.Errorf("%w: message %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: get: %v", errs.ErrStoreUnavailable, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// DeleteByID removes one message.
func (s *GormStore) DeleteByID(ctx context.Context, id uint64) (bool, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&Message{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("%w: delete: %v", errs.ErrStoreUnavailable, err)
	}
	return affected > 0, nil
}

// DeleteByRoom removes every message of a room.
func (s *GormStore) DeleteByRoom(ctx context.Context, room string) (int64, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("room = ?", room).Delete(&Message{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: clear: %v", errs.ErrStoreUnavailable, err)
	}
	return affected, nil
}
