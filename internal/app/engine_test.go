package app

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/simulator"
)

func startVenue(t *testing.T, ctx context.Context, mid float64, seed uint64) string {
	t.Helper()
	sim := simulator.NewServer(simulator.Config{
		Mid:      mid,
		Seed:     seed,
		Interval: 10 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(sim.Handler())
	t.Cleanup(ts.Close)
	go func() { _ = sim.Run(ctx) }()
	return ts.URL
}

func testConfig(urls map[string]string) *config.Config {
	cfg := config.Defaults()
	for name, u := range urls {
		cfg.Exchanges[name] = config.ExchangeConfig{BaseURL: u}
	}
	cfg.Feed.SnapshotDelay.Duration = 50 * time.Millisecond
	cfg.Feed.BackoffBase.Duration = 10 * time.Millisecond
	cfg.Feed.BackoffMax.Duration = 50 * time.Millisecond
	cfg.Arbitrage.DedupBackend = config.DedupMemory
	cfg.Redis.Enabled = false
	cfg.Server.Enabled = false
	return &cfg
}

func TestEngineDetectsSpreadBetweenSimulatedVenues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(map[string]string{
		"cheap": startVenue(t, ctx, 100, 1),
		"rich":  startVenue(t, ctx, 200, 2),
	})
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, cleanup, err := Wire(ctx, cfg, logger)
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, deps.MemoryDedup)

	eng, err := newEngine(cfg, deps, logger)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- eng.run(ctx) }()

	require.Eventually(t, func() bool {
		infos := eng.supervisor.Statuses()
		return len(infos) == 2 && infos[0].Status == feed.Synced && infos[1].Status == feed.Synced
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(eng.metrics.Executions.WithLabelValues("completed")) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		quotes := eng.detector.Quotes()
		if len(quotes) != 2 || !quotes[0].Ask.Valid || !quotes[1].Bid.Valid {
			return false
		}
		// "cheap" sorts first; its ask sits far below the other venue's bid.
		return quotes[1].Bid.Decimal.Sub(quotes[0].Ask.Decimal).GreaterThan(decimal.NewFromInt(50))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewEngineRejectsBadExchangeURL(t *testing.T) {
	cfg := testConfig(map[string]string{"bad": "ftp://nowhere", "ok": "http://localhost:1"})
	deps, cleanup, err := Wire(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	_, err = newEngine(cfg, deps, slog.Default())
	assert.Error(t, err)
}

func TestWireWithoutBackends(t *testing.T) {
	cfg := testConfig(nil)
	deps, cleanup, err := Wire(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Executions)
	assert.Nil(t, deps.Blob)
	assert.NotNil(t, deps.Dedup)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, deps.Health)
}
