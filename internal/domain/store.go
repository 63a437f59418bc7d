package domain

import (
	"context"
	"time"
)

// ExecutionSink receives confirmed opportunities. Submit must not block the
// caller; the detector never inspects the outcome.
type ExecutionSink interface {
	Submit(ctx context.Context, opp Opportunity)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Insert(ctx context.Context, exec Execution) error
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
