package domain

import (
	"context"
	"time"
)

// DedupStore is a shared key/value store with per-key expiry, used to
// suppress repeat emission of the same opportunity within a cooldown window.
type DedupStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// SignalBus publishes ephemeral and durable notifications.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// LockManager hands out short-lived exclusive locks shared across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
