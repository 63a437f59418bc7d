package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/orderbook"
)

const waitFor = 2 * time.Second

func newTestSession(ex *fakeExchange, quotes chan domain.BestQuote, m *metrics.Registry) *Session {
	return NewSession(SessionConfig{
		Exchange:             "binance",
		Client:               ex,
		Quotes:               quotes,
		SnapshotDelay:        50 * time.Millisecond,
		Backoff:              Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		MaxReconnectAttempts: 3,
		MaxSyncAttempts:      5,
		Metrics:              m,
	})
}

func runSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return cancel, done
}

func nextQuote(t *testing.T, quotes <-chan domain.BestQuote) domain.BestQuote {
	t.Helper()
	select {
	case q := <-quotes:
		return q
	case <-time.After(waitFor):
		t.Fatal("no quote published")
		return domain.BestQuote{}
	}
}

func TestSessionSyncsFromBuffer(t *testing.T) {
	ex := newFakeExchange()
	ex.dials = []*fakeStream{newFakeStream(chain(4998, 5003)...)}
	ex.snapshots = []snapshotReply{{snap: makeSnapshot(5000)}}
	quotes := make(chan domain.BestQuote, 16)

	s := newTestSession(ex, quotes, metrics.New())
	runSession(t, s)

	q := nextQuote(t, quotes)
	assert.Equal(t, "binance", q.Exchange)
	require.True(t, q.Bid.Valid)
	require.True(t, q.Ask.Valid)
	assert.Equal(t, "100", q.Bid.Decimal.String())
	assert.Equal(t, "101", q.Ask.Decimal.String())
	assert.Equal(t, int64(5003), q.UpdateID)

	info := s.Info()
	assert.Equal(t, Synced, info.Status)
	assert.Equal(t, int64(5003), info.LastUpdateID)
	assert.Equal(t, 1, ex.snapshotsTaken())
}

func TestSessionAppliesLiveEvents(t *testing.T) {
	stream := newFakeStream(chain(9, 10)...)
	ex := newFakeExchange()
	ex.dials = []*fakeStream{stream}
	ex.snapshots = []snapshotReply{{snap: makeSnapshot(10)}}
	quotes := make(chan domain.BestQuote, 16)

	s := newTestSession(ex, quotes, metrics.New())
	runSession(t, s)
	nextQuote(t, quotes)

	stream.push(makeEvent(11, nil, []domain.Level{lvl("100.5", "2")}))
	q := nextQuote(t, quotes)
	assert.Equal(t, "100.5", q.Ask.Decimal.String())
	assert.Equal(t, int64(11), q.UpdateID)

	// Removing a level that is not there changes nothing and publishes nothing.
	stream.push(makeEvent(12, []domain.Level{lvl("1", "0")}, nil))
	stream.push(makeEvent(13, nil, []domain.Level{lvl("100.5", "0")}))
	q = nextQuote(t, quotes)
	assert.Equal(t, int64(13), q.UpdateID)
	assert.Equal(t, "101", q.Ask.Decimal.String())
}

func TestSessionGapTriggersResync(t *testing.T) {
	stream := newFakeStream(chain(5000, 5003)...)
	ex := newFakeExchange()
	ex.dials = []*fakeStream{stream}
	ex.snapshots = []snapshotReply{{snap: makeSnapshot(5000)}, {snap: makeSnapshot(5011)}}
	quotes := make(chan domain.BestQuote, 16)
	m := metrics.New()

	s := newTestSession(ex, quotes, m)
	runSession(t, s)
	nextQuote(t, quotes)

	gap := domain.DepthEvent{
		FirstUpdateID:     5011,
		FinalUpdateID:     5011,
		PrevFinalUpdateID: 5010,
		Asks:              []domain.Level{lvl("100.7", "1")},
	}
	stream.push(gap)

	withdraw := nextQuote(t, quotes)
	assert.True(t, withdraw.Withdrawn(), "a gap must withdraw the exchange before resyncing")

	// The gapped event becomes the alignment point of the next snapshot.
	q := nextQuote(t, quotes)
	assert.Equal(t, int64(5011), q.UpdateID)
	assert.Equal(t, "100.7", q.Ask.Decimal.String())
	assert.Equal(t, 2, ex.snapshotsTaken())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Resyncs.WithLabelValues("binance", "gap")))
}

func TestHandleEventNeverAppliesOutOfChain(t *testing.T) {
	for _, pu := range []int64{0, 9, 11, 12, 1000} {
		t.Run(fmt.Sprintf("pu=%d", pu), func(t *testing.T) {
			s := newTestSession(newFakeExchange(), nil, metrics.New())
			s.book.Reset(makeSnapshot(10))
			s.setStatus(Synced)

			resync := s.handleEvent(context.Background(), domain.DepthEvent{
				FirstUpdateID:     pu + 1,
				FinalUpdateID:     pu + 1,
				PrevFinalUpdateID: pu,
				Bids:              []domain.Level{lvl("500", "1")},
			})

			assert.True(t, resync)
			assert.Equal(t, BufferingForSync, s.Status())
			assert.Equal(t, int64(10), s.book.LastUpdateID())
			_, ok := s.book.Qty(orderbook.Bid, lvl("500", "1").Price)
			assert.False(t, ok)
			assert.Len(t, s.buffer, 1)
		})
	}
}

func TestHandleEventBufferBound(t *testing.T) {
	s := NewSession(SessionConfig{Exchange: "x", Client: newFakeExchange(), MaxBufferedEvents: 3})
	s.setStatus(BufferingForSync)

	for _, ev := range chain(1, 5) {
		s.handleEvent(context.Background(), ev)
	}

	require.Len(t, s.buffer, 3)
	assert.Equal(t, int64(3), s.buffer[0].FinalUpdateID)
	assert.Equal(t, int64(5), s.buffer[2].FinalUpdateID)
}

func TestHandleEventBufferBoundKeepsNewest(t *testing.T) {
	s := NewSession(SessionConfig{Exchange: "x", Client: newFakeExchange(), MaxBufferedEvents: 100})
	s.setStatus(BufferingForSync)

	for _, ev := range chain(1, 5000) {
		s.handleEvent(context.Background(), ev)
	}

	require.Len(t, s.buffer, 100)
	assert.Equal(t, int64(4901), s.buffer[0].FinalUpdateID)
	assert.Equal(t, int64(5000), s.buffer[99].FinalUpdateID)
	assert.Equal(t, float64(4900), testutil.ToFloat64(s.cfg.Metrics.BufferOverflows.WithLabelValues("x")))
}

func TestSessionDropsMalformedMessages(t *testing.T) {
	stream := newFakeStream()
	stream.pushErr(fmt.Errorf("decode: %w", domain.ErrMalformedMessage))
	for _, ev := range chain(7, 9) {
		stream.push(ev)
	}
	ex := newFakeExchange()
	ex.dials = []*fakeStream{stream}
	ex.snapshots = []snapshotReply{{snap: makeSnapshot(8)}}
	quotes := make(chan domain.BestQuote, 4)
	m := metrics.New()

	s := newTestSession(ex, quotes, m)
	runSession(t, s)

	q := nextQuote(t, quotes)
	assert.Equal(t, int64(9), q.UpdateID)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MalformedMessages.WithLabelValues("binance")))
}

func TestSessionRetriesFailedSnapshot(t *testing.T) {
	stream := newFakeStream(chain(20, 21)...)
	ex := newFakeExchange()
	ex.dials = []*fakeStream{stream}
	ex.snapshots = []snapshotReply{
		{err: fmt.Errorf("connection refused")},
		{snap: makeSnapshot(22)},
	}
	quotes := make(chan domain.BestQuote, 4)

	s := newTestSession(ex, quotes, metrics.New())
	runSession(t, s)

	require.Eventually(t, func() bool { return ex.snapshotsTaken() >= 1 }, waitFor, 5*time.Millisecond)
	// The failed attempt consumed the buffer; the next cycle aligns on fresh events.
	stream.push(makeEvent(22, nil, nil))

	q := nextQuote(t, quotes)
	assert.Equal(t, int64(22), q.UpdateID)
	assert.Equal(t, 2, ex.snapshotsTaken())
	assert.Equal(t, Synced, s.Status())
}

func TestSessionDropsConnectionAfterSyncBudget(t *testing.T) {
	ex := newFakeExchange()
	ex.dials = []*fakeStream{newFakeStream(), newFakeStream()}
	ex.snapshots = []snapshotReply{{err: fmt.Errorf("503")}}

	s := NewSession(SessionConfig{
		Exchange:             "kraken",
		Client:               ex,
		SnapshotDelay:        time.Millisecond,
		Backoff:              Backoff{Base: time.Millisecond, Max: time.Millisecond},
		MaxReconnectAttempts: 5,
		MaxSyncAttempts:      2,
	})
	runSession(t, s)

	require.Eventually(t, func() bool { return ex.dialed() >= 2 }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, ex.snapshotsTaken(), 2)
}

func TestSessionFailsWhenConnectionsNeverSync(t *testing.T) {
	ex := newFakeExchange()
	ex.alwaysDial = true
	ex.snapshots = []snapshotReply{{err: fmt.Errorf("503")}}

	s := NewSession(SessionConfig{
		Exchange:             "kraken",
		Client:               ex,
		SnapshotDelay:        time.Millisecond,
		Backoff:              Backoff{Base: time.Millisecond, Max: time.Millisecond},
		MaxReconnectAttempts: 3,
		MaxSyncAttempts:      2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := s.Run(ctx)

	require.ErrorIs(t, err, domain.ErrRetryBudgetExhausted)
	assert.ErrorIs(t, err, domain.ErrSyncBudgetExhausted)
	assert.Equal(t, Failed, s.Status())
	assert.Equal(t, 4, ex.dialed(), "first connection plus three more that never synced")
	assert.Equal(t, 8, ex.snapshotsTaken())
}

func TestSessionSyncClearsUnsyncedConnections(t *testing.T) {
	s := NewSession(SessionConfig{Exchange: "kraken", Client: newFakeExchange(), MaxReconnectAttempts: 3})
	s.unsynced = 3
	s.buffer = chain(11, 12)

	require.NoError(t, s.syncBook(context.Background(), snapshotResult{snap: makeSnapshot(11)}))
	assert.Zero(t, s.unsynced)
	assert.Equal(t, Synced, s.Status())
}

func TestSessionStopsAfterMaxReconnectAttempts(t *testing.T) {
	ex := newFakeExchange()
	s := newTestSession(ex, nil, metrics.New())

	err := s.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrRetryBudgetExhausted)
	assert.Equal(t, 4, ex.dialed(), "initial dial plus three reconnect attempts")
	assert.Equal(t, Failed, s.Status())
}

func TestSessionResetsAttemptsOnSuccessfulOpen(t *testing.T) {
	closed := newFakeStream()
	closed.Close()

	ex := newFakeExchange()
	ex.dials = []*fakeStream{nil, nil, closed}
	s := newTestSession(ex, nil, metrics.New())

	err := s.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrRetryBudgetExhausted)
	// 2 refused + 1 open (counter reset) + 3 refused before giving up.
	assert.Equal(t, 6, ex.dialed())
}

func TestSessionCloseStopsRun(t *testing.T) {
	ex := newFakeExchange()
	ex.dials = []*fakeStream{newFakeStream()}
	ex.snapshots = []snapshotReply{{snap: makeSnapshot(1)}}
	s := newTestSession(ex, nil, metrics.New())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.Status() == BufferingForSync }, waitFor, time.Millisecond)

	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, Disconnected, s.Status())
}
