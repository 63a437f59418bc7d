package feed

import (
	"context"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Exchange is the upstream venue as seen by a session: a snapshot endpoint
// and a push stream of depth diffs.
type Exchange interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Stream(ctx context.Context) (Stream, error)
}

// Stream is one open depth stream. Next returns an error wrapping
// domain.ErrMalformedMessage for a frame that could not be decoded; the
// stream stays usable. Any other error means the connection is gone.
type Stream interface {
	Next() (domain.DepthEvent, error)
	Close() error
}
