package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

type fatalLog struct {
	mu     sync.Mutex
	events []string
}

func (f *fatalLog) record(_ context.Context, exchange string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, exchange)
}

func (f *fatalLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testSessionTemplate() SessionConfig {
	return SessionConfig{
		SnapshotDelay:        20 * time.Millisecond,
		Backoff:              Backoff{Base: time.Millisecond, Max: time.Millisecond},
		MaxReconnectAttempts: 1,
		MaxSyncAttempts:      3,
	}
}

func TestSupervisorIsolatesFailingExchange(t *testing.T) {
	healthy := newFakeExchange()
	healthy.dials = []*fakeStream{newFakeStream(chain(1, 3)...)}
	healthy.snapshots = []snapshotReply{{snap: makeSnapshot(2)}}
	broken := newFakeExchange()

	quotes := make(chan domain.BestQuote, 16)
	tmpl := testSessionTemplate()
	tmpl.Quotes = quotes
	fatal := &fatalLog{}
	m := metrics.New()

	sup := NewSupervisor(SupervisorConfig{
		Exchanges: map[string]Exchange{"healthy": healthy, "broken": broken},
		Session:   tmpl,
		OnFatal:   fatal.record,
		Metrics:   m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	q := nextQuote(t, quotes)
	assert.Equal(t, "healthy", q.Exchange)
	require.Eventually(t, func() bool { return fatal.count() == 1 }, waitFor, 5*time.Millisecond)

	statuses := sup.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "broken", statuses[0].Exchange)
	assert.Equal(t, Failed, statuses[0].Status)
	assert.Equal(t, "healthy", statuses[1].Exchange)
	assert.Equal(t, Synced, statuses[1].Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionFailures.WithLabelValues("broken")))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorRestartsFailedSession(t *testing.T) {
	broken := newFakeExchange()
	fatal := &fatalLog{}

	sup := NewSupervisor(SupervisorConfig{
		Exchanges:    map[string]Exchange{"broken": broken},
		Session:      testSessionTemplate(),
		RestartAfter: time.Millisecond,
		MaxRestarts:  2,
		OnFatal:      fatal.record,
	})

	err := sup.Run(context.Background())

	// Nothing left to supervise once the restart budget is spent.
	assert.NoError(t, err)
	assert.Equal(t, 3, fatal.count(), "first run plus two restarts")
	assert.Equal(t, 6, broken.dialed())
	assert.Equal(t, 2, sup.Statuses()[0].Restarts)
}

func TestSupervisorWithoutRestartPolicyStopsOnce(t *testing.T) {
	broken := newFakeExchange()
	fatal := &fatalLog{}

	sup := NewSupervisor(SupervisorConfig{
		Exchanges: map[string]Exchange{"broken": broken},
		Session:   testSessionTemplate(),
		OnFatal:   fatal.record,
	})

	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, 1, fatal.count())
	assert.Equal(t, Failed, sup.Statuses()[0].Status)
}
