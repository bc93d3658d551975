// Package redis stores task statuses in Redis as JSON documents that expire
// after a TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/browser-fetch-engine/internal/store"
)

// Defaults applied when Config leaves them empty.
const (
	DefaultKeyPrefix = "fetch:task:"
	DefaultTTL       = 24 * time.Hour
)

// Config configures the Redis connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

type commander interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// StatusStore implements store.StatusStore on Redis.
type StatusStore struct {
	client commander
	prefix string
	ttl    time.Duration
}

var _ store.StatusStore = (*StatusStore)(nil)

// NewStatusStore connects to Redis and verifies the connection.
func NewStatusStore(ctx context.Context, cfg Config) (*StatusStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewStatusStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewStatusStoreWithClient wraps an existing client. Zero values fall back to
// DefaultKeyPrefix and DefaultTTL.
func NewStatusStoreWithClient(client commander, prefix string, ttl time.Duration) *StatusStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the client.
func (s *StatusStore) Close() error {
	return s.client.Close()
}

// Put writes the status and refreshes its TTL. CreatedAt of the first write
// is preserved. The read and the write are not atomic; concurrent writers for
// one id resolve last-writer-wins.
func (s *StatusStore) Put(ctx context.Context, status store.TaskStatus) error {
	if status.ID == "" {
		return errors.New("status id is required")
	}
	key := s.key(status.ID)
	prev, err := s.load(ctx, key)
	switch {
	case err == nil:
		if !prev.CreatedAt.IsZero() {
			status.CreatedAt = prev.CreatedAt
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode task status: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get fetches a status by id.
func (s *StatusStore) Get(ctx context.Context, id string) (store.TaskStatus, error) {
	return s.load(ctx, s.key(id))
}

func (s *StatusStore) load(ctx context.Context, key string) (store.TaskStatus, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return store.TaskStatus{}, store.ErrNotFound
	}
	if err != nil {
		return store.TaskStatus{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var status store.TaskStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return store.TaskStatus{}, fmt.Errorf("decode task status %s: %w", key, err)
	}
	return status, nil
}

func (s *StatusStore) key(id string) string {
	return s.prefix + id
}
