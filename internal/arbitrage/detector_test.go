package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/cache/memory"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

type recordingSink struct {
	mu   sync.Mutex
	opps []domain.Opportunity
}

func (s *recordingSink) Submit(_ context.Context, opp domain.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, opp)
}

func (s *recordingSink) all() []domain.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Opportunity(nil), s.opps...)
}

type failingDedup struct{ getErr, setErr error }

func (f failingDedup) Get(context.Context, string) (string, bool, error) { return "", false, f.getErr }

func (f failingDedup) Set(context.Context, string, string, time.Duration) error { return f.setErr }

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quote(exchange, bid, ask string) domain.BestQuote {
	q := domain.BestQuote{Exchange: exchange, Time: epoch}
	if bid != "" {
		q.Bid = decimal.NewNullDecimal(decimal.RequireFromString(bid))
	}
	if ask != "" {
		q.Ask = decimal.NewNullDecimal(decimal.RequireFromString(ask))
	}
	return q
}

type harness struct {
	det   *Detector
	sink  *recordingSink
	dedup *memory.DedupStore
	now   time.Time
	m     *metrics.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{sink: &recordingSink{}, now: epoch, m: metrics.New()}
	h.dedup = memory.NewDedupStore(func() time.Time { return h.now })
	ids := 0
	h.det = NewDetector(DetectorConfig{
		MinProfit: decimal.RequireFromString("0.5"),
		Cooldown:  time.Minute,
		Dedup:     h.dedup,
		Sink:      h.sink,
		Metrics:   h.m,
		Now:       func() time.Time { return h.now },
		NewID: func() string {
			ids++
			return fmt.Sprintf("opp-%d", ids)
		},
	})
	return h
}

func (h *harness) update(t *testing.T, q domain.BestQuote) *domain.Opportunity {
	t.Helper()
	opp, err := h.det.OnBestQuoteUpdate(context.Background(), q)
	require.NoError(t, err)
	return opp
}

func TestDetectorEmitsOncePerCooldown(t *testing.T) {
	h := newHarness(t)

	assert.Nil(t, h.update(t, quote("A", "100", "100.2")))
	opp := h.update(t, quote("B", "101", "101.3"))
	require.NotNil(t, opp)

	// Both venues re-report the same top of book inside the cooldown.
	assert.Nil(t, h.update(t, quote("A", "100", "100.2")))
	assert.Nil(t, h.update(t, quote("B", "101", "101.3")))

	emitted := h.sink.all()
	require.Len(t, emitted, 1)
	got := emitted[0]
	assert.Equal(t, "A", got.BuyFrom)
	assert.Equal(t, "B", got.SellTo)
	assert.Equal(t, "100.2", got.BuyPrice.String())
	assert.Equal(t, "101", got.SellPrice.String())
	assert.Equal(t, "0.8", got.Profit.String())
	assert.Equal(t, "opp-1", got.ID)
	assert.Equal(t, epoch, got.Timestamp)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.m.Detections.WithLabelValues(resultDuplicate)))
}

func TestDetectorReemitsAfterCooldown(t *testing.T) {
	h := newHarness(t)
	h.update(t, quote("A", "100", "100.2"))
	require.NotNil(t, h.update(t, quote("B", "101", "101.3")))

	h.now = h.now.Add(61 * time.Second)
	require.NotNil(t, h.update(t, quote("B", "101", "101.3")))
	assert.Len(t, h.sink.all(), 2)
}

func TestDetectorThreshold(t *testing.T) {
	tests := []struct {
		name     string
		sellBid  string
		wantEmit bool
	}{
		{"loss", "99", false},
		{"zero spread", "100", false},
		{"exactly min profit", "100.5", false},
		{"just above", "100.51", true},
		{"wide", "110", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.update(t, quote("A", "99", "100"))
			opp := h.update(t, quote("B", tc.sellBid, "200"))

			if !tc.wantEmit {
				assert.Nil(t, opp)
				assert.Zero(t, h.dedup.Len(), "sub-threshold spreads must not consume a dedup slot")
				return
			}
			require.NotNil(t, opp)
			assert.True(t, opp.Profit.GreaterThan(decimal.RequireFromString("0.5")))
		})
	}
}

func TestDetectorNeedsTwoExchanges(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.update(t, quote("A", "200", "100")))
	assert.Empty(t, h.sink.all())
}

func TestDetectorWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.update(t, quote("A", "100", "100.2"))
	h.update(t, quote("B", "99", "99.5"))
	require.Len(t, h.det.Quotes(), 2)

	assert.Nil(t, h.update(t, domain.WithdrawQuote("B", epoch)))
	quotes := h.det.Quotes()
	require.Len(t, quotes, 1)
	assert.Equal(t, "A", quotes[0].Exchange)

	// Withdrawing an unknown exchange is harmless.
	assert.Nil(t, h.update(t, domain.WithdrawQuote("Z", epoch)))
}

func TestDetectorAbsentSides(t *testing.T) {
	h := newHarness(t)

	h.update(t, quote("A", "102", ""))
	opp := h.update(t, quote("B", "", "101"))
	require.NotNil(t, opp)
	assert.Equal(t, "B", opp.BuyFrom)
	assert.Equal(t, "A", opp.SellTo)

	h2 := newHarness(t)
	h2.update(t, quote("A", "102", ""))
	assert.Nil(t, h2.update(t, quote("B", "101", "")), "no ask anywhere means nothing to buy")
}

func TestDetectorNeverPairsExchangeWithItself(t *testing.T) {
	h := newHarness(t)

	// A holds both the lowest ask and the highest bid.
	h.update(t, quote("A", "105", "100"))
	opp := h.update(t, quote("B", "99", "101"))

	require.NotNil(t, opp)
	assert.Equal(t, "B", opp.BuyFrom)
	assert.Equal(t, "A", opp.SellTo)
	assert.Equal(t, "4", opp.Profit.String())
}

func TestDetectorTieBreakIsDeterministic(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.update(t, quote("C", "90", "100"))
		h.update(t, quote("A", "90", "100"))
		opp := h.update(t, quote("B", "101", "102"))
		require.NotNil(t, opp)
		assert.Equal(t, "A", opp.BuyFrom)
	}
}

func TestDetectorFailsClosedOnDedupError(t *testing.T) {
	tests := []struct {
		name  string
		dedup failingDedup
	}{
		{"get", failingDedup{getErr: errors.New("connection refused")}},
		{"set", failingDedup{setErr: errors.New("READONLY")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			det := NewDetector(DetectorConfig{
				MinProfit: decimal.RequireFromString("0.5"),
				Dedup:     tc.dedup,
				Sink:      sink,
			})
			ctx := context.Background()

			_, err := det.OnBestQuoteUpdate(ctx, quote("A", "100", "100.2"))
			require.NoError(t, err)
			opp, err := det.OnBestQuoteUpdate(ctx, quote("B", "101", "101.3"))

			assert.Error(t, err)
			assert.Nil(t, opp)
			assert.Empty(t, sink.all())
		})
	}
}

func TestDetectorRunDrainsChannel(t *testing.T) {
	h := newHarness(t)
	quotes := make(chan domain.BestQuote, 4)
	quotes <- quote("A", "100", "100.2")
	quotes <- quote("B", "101", "101.3")
	quotes <- quote("B", "101", "101.3")
	close(quotes)

	require.NoError(t, h.det.Run(context.Background(), quotes))
	assert.Len(t, h.sink.all(), 1)
}
