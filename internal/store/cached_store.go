package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/roomrelay/internal/logging"
)

// CachedStore keeps a copy of each room's history in redis. Every write to a
// room drops that room's entry, so a cache failure can only cost a reload,
// never a wrong answer beyond the TTL.
type CachedStore struct {
	inner  MessageStore
	client *redis.Client
	prefix string
	ttl    time.Duration
	loads  singleflight.Group
	log    zerolog.Logger
}

// CacheConfig holds redis connection settings for the history cache.
type CacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewCachedStore connects to redis and wraps inner.
func NewCachedStore(inner MessageStore, cfg CacheConfig, log zerolog.Logger) (*CachedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		inner:  inner,
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    log.With().Str("component", "history_cache").Logger(),
	}, nil
}

func (c *CachedStore) key(room string) string {
	return fmt.Sprintf("%s:%s", c.prefix, room)
}

// Append writes through and invalidates the room.
func (c *CachedStore) Append(ctx context.Context, m *Message) error {
	if err := c.inner.Append(ctx, m); err != nil {
		return err
	}
	c.invalidate(ctx, m.Room)
	return nil
}

// History serves from redis when possible.
func (c *CachedStore) History(ctx context.Context, room string) ([]Message, error) {
	key := c.key(room)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var msgs []Message
		if jerr := json.Unmarshal(data, &msgs); jerr == nil {
			return msgs, nil
		}
		c.log.Warn().Str(logging.FieldRoom, room).Msg("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str(logging.FieldRoom, room).Msg("cache read failed")
	}

	// Concurrent misses for one room share a single load.
	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		return c.load(ctx, room, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func (c *CachedStore) load(ctx context.Context, room, key string) ([]Message, error) {
	msgs, err := c.inner.History(ctx, room)
	if err != nil {
		return nil, err
	}

	if payload, jerr := json.Marshal(msgs); jerr == nil {
		if serr := c.client.Set(ctx, key, payload, c.ttl).Err(); serr != nil {
			c.log.Warn().Err(serr).Str(logging.FieldRoom, room).Msg("cache write failed")
		}
	}
	return msgs, nil
}

// Get is never cached.
func (c *CachedStore) Get(ctx context.Context, id uint64) (Message, error) {
	return c.inner.Get(ctx, id)
}

// DeleteByID looks up the room first so its entry can be invalidated.
func (c *CachedStore) DeleteByID(ctx context.Context, id uint64) (bool, error) {
	m, getErr := c.inner.Get(ctx, id)

	deleted, err := c.inner.DeleteByID(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted && getErr == nil {
		c.invalidate(ctx, m.Room)
	}
	return deleted, nil
}

// DeleteByRoom writes through and invalidates the room.
func (c *CachedStore) DeleteByRoom(ctx context.Context, room string) (int64, error) {
	n, err := c.inner.DeleteByRoom(ctx, room)
	if err != nil {
		return 0, err
	}
	c.invalidate(ctx, room)
	return n, nil
}

// Close closes the redis client.
func (c *CachedStore) Close() error {
	return c.client.Close()
}

func (c *CachedStore) invalidate(ctx context.Context, room string) {
	if err := c.client.Del(ctx, c.key(room)).Err(); err != nil {
		c.log.Warn().Err(err).Str(logging.FieldRoom, room).Msg("cache invalidation failed")
	}
}
