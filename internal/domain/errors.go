package domain

import "errors"

var (
	ErrMalformedMessage     = errors.New("malformed message")
	ErrSequenceGap          = errors.New("sequence gap")
	ErrNoAlignment          = errors.New("no alignment point in buffer")
	ErrSnapshotFetch        = errors.New("snapshot fetch failed")
	ErrStreamClosed         = errors.New("stream closed")
	ErrRetryBudgetExhausted = errors.New("reconnect attempts exhausted")
	ErrSyncBudgetExhausted  = errors.New("sync attempts exhausted")
	ErrLockHeld             = errors.New("lock held by another owner")
)
