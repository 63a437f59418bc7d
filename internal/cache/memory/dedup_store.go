// Package memory holds process-local stand-ins for the Redis-backed caches.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type entry struct {
	value   string
	expires time.Time
}

// DedupStore is an in-process key/value store with per-key expiry. It is safe
// for concurrent use and only suitable for single-process deployments.
type DedupStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewDedupStore creates an empty store. A nil clock means time.Now.
func NewDedupStore(now func() time.Time) *DedupStore {
	if now == nil {
		now = time.Now
	}
	return &DedupStore{
		entries: make(map[string]entry),
		now:     now,
	}
}

// Get returns the live value for key. Expired entries read as absent.
func (s *DedupStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key for ttl, replacing any previous entry.
func (s *DedupStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, expires: s.now().Add(ttl)}
	return nil
}

// Cleanup drops expired entries and returns how many were removed. Call it
// periodically to bound memory.
func (s *DedupStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (s *DedupStore) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ domain.DedupStore = (*DedupStore)(nil)
