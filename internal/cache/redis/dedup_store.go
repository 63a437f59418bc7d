package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// DedupStore implements domain.DedupStore with GET and SET EX, so several
// detector processes share one cooldown window.
type DedupStore struct {
	rdb *redis.Client
}

// NewDedupStore creates a DedupStore backed by the given Client.
func NewDedupStore(c *Client) *DedupStore {
	return &DedupStore{rdb: c.Underlying()}
}

func dedupKey(key string) string {
	return "arb:dedup:" + key
}

// Get returns the stored value. A missing or expired key is ("", false, nil).
func (s *DedupStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, dedupKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: dedup get: %w", err)
	}
	return val, true, nil
}

// Set stores value under key with the given expiry.
func (s *DedupStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, dedupKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: dedup set: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.DedupStore = (*DedupStore)(nil)
