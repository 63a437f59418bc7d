package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

var errDial = errors.New("dial refused")

type frame struct {
	ev  domain.DepthEvent
	err error
}

// fakeStream is a Stream fed by the test.
type fakeStream struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(preload ...domain.DepthEvent) *fakeStream {
	s := &fakeStream{
		frames: make(chan frame, 1024),
		closed: make(chan struct{}),
	}
	for _, ev := range preload {
		s.frames <- frame{ev: ev}
	}
	return s
}

func (s *fakeStream) push(ev domain.DepthEvent) { s.frames <- frame{ev: ev} }

func (s *fakeStream) pushErr(err error) { s.frames <- frame{err: err} }

func (s *fakeStream) Next() (domain.DepthEvent, error) {
	select {
	case f := <-s.frames:
		return f.ev, f.err
	case <-s.closed:
		return domain.DepthEvent{}, domain.ErrStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type snapshotReply struct {
	snap domain.Snapshot
	err  error
}

// fakeExchange hands out scripted streams and snapshots.
type fakeExchange struct {
	mu sync.Mutex

	// dials lists the outcome of each Stream call in order; a nil entry is a
	// refused dial. Calls past the end are refused.
	dials     []*fakeStream
	dialCount int
	// alwaysDial opens a fresh stream on every call, ignoring dials.
	alwaysDial bool

	snapshots []snapshotReply
	snapCount int

	opened chan *fakeStream
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{opened: make(chan *fakeStream, 16)}
}

func (f *fakeExchange) Stream(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.dialCount
	f.dialCount++
	var s *fakeStream
	switch {
	case f.alwaysDial:
		s = newFakeStream()
	case i >= len(f.dials) || f.dials[i] == nil:
		return nil, errDial
	default:
		s = f.dials[i]
	}
	select {
	case f.opened <- s:
	default:
	}
	return s, nil
}

// Snapshot replays the scripted replies; the last one repeats.
func (f *fakeExchange) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return domain.Snapshot{}, errors.New("no snapshot scripted")
	}
	i := f.snapCount
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	f.snapCount++
	return f.snapshots[i].snap, f.snapshots[i].err
}

func (f *fakeExchange) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialCount
}

func (f *fakeExchange) snapshotsTaken() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapCount
}

func lvl(price, qty string) domain.Level {
	return domain.Level{
		Price: decimal.RequireFromString(price),
		Qty:   decimal.RequireFromString(qty),
	}
}

// makeEvent builds a single-id diff chained on id-1, the way the exchange
// simulator produces them.
func makeEvent(id int64, bids, asks []domain.Level) domain.DepthEvent {
	return domain.DepthEvent{
		FirstUpdateID:     id,
		FinalUpdateID:     id,
		PrevFinalUpdateID: id - 1,
		Bids:              bids,
		Asks:              asks,
	}
}

// chain builds consecutive events from..to each touching one bid level.
func chain(from, to int64) []domain.DepthEvent {
	var out []domain.DepthEvent
	for id := from; id <= to; id++ {
		out = append(out, makeEvent(id, []domain.Level{lvl("99", decimal.NewFromInt(id).String())}, nil))
	}
	return out
}

func makeSnapshot(id int64) domain.Snapshot {
	return domain.Snapshot{
		LastUpdateID: id,
		Bids:         []domain.Level{lvl("100", "1"), lvl("99", "2")},
		Asks:         []domain.Level{lvl("101", "1"), lvl("102", "5")},
	}
}
