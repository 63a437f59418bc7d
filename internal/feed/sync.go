package feed

import (
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/orderbook"
)

// align loads snap into book and replays the buffered diffs on top of it.
//
// Events that end before the snapshot id K are stale and skipped. The first
// event whose range covers K is the alignment point; every event after it
// must chain on the previous one through pu. It returns the number of events
// applied. On error the book is partially written and must be reset by the
// next attempt.
func align(book *orderbook.LocalBook, snap domain.Snapshot, buffered []domain.DepthEvent) (int, error) {
	book.Reset(snap)
	k := snap.LastUpdateID

	start := -1
	for i, ev := range buffered {
		if ev.FinalUpdateID < k {
			continue
		}
		if ev.FirstUpdateID <= k {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, fmt.Errorf("%w: snapshot %d, %d buffered", domain.ErrNoAlignment, k, len(buffered))
	}

	book.Apply(buffered[start])
	applied := 1
	for _, ev := range buffered[start+1:] {
		if ev.FinalUpdateID < k {
			continue
		}
		if ev.PrevFinalUpdateID != book.LastUpdateID() {
			return applied, fmt.Errorf("%w: expected pu %d, got %d (U=%d u=%d)",
				domain.ErrSequenceGap, book.LastUpdateID(), ev.PrevFinalUpdateID, ev.FirstUpdateID, ev.FinalUpdateID)
		}
		book.Apply(ev)
		applied++
	}
	return applied, nil
}
