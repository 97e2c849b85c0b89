package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultSnapshotKey holds the serialized signal store, relative to the
// client namespace.
const DefaultSnapshotKey = "signals:snapshot"

// SnapshotStore keeps the signal snapshot document under one key.
type SnapshotStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewSnapshotStore creates a store writing to key under the client
// namespace. A zero ttl keeps the key forever.
func NewSnapshotStore(c *Client, key string, ttl time.Duration) *SnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &SnapshotStore{rdb: c.rdb, key: c.Key(key), ttl: ttl}
}

// Key returns the fully qualified key the document is stored under.
func (s *SnapshotStore) Key() string { return s.key }

// SaveSnapshot overwrites the stored document.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, doc []byte) error {
	if err := s.rdb.Set(ctx, s.key, doc, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored document or domain.ErrNotFound.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	doc, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load snapshot: %w", err)
	}
	return doc, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
