package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	s3blob "github.com/alanyoungcy/arbengine/internal/blob/s3"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/platform/exchange"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
)

const shutdownTimeout = 10 * time.Second

// engine holds the running components built from one configuration.
type engine struct {
	cfg    *config.Config
	deps   *Dependencies
	logger *slog.Logger

	metrics    *metrics.Registry
	quotes     chan domain.BestQuote
	supervisor *feed.Supervisor
	detector   *arbitrage.Detector
	sink       *executor.Sink
	archiver   *s3blob.Archiver
	server     *server.Server
}

func newEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*engine, error) {
	e := &engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: metrics.New(),
		quotes:  make(chan domain.BestQuote, cfg.Feed.QuoteBuffer),
	}

	clients := make(map[string]feed.Exchange, len(cfg.Exchanges))
	for _, name := range cfg.ExchangeNames() {
		ex := cfg.Exchanges[name]
		snapshotPath := ex.SnapshotPath
		if snapshotPath == "" {
			snapshotPath = cfg.Feed.SnapshotPath
		}
		streamPath := ex.StreamPath
		if streamPath == "" {
			streamPath = cfg.Feed.StreamPath
		}
		client, err := exchange.NewClient(exchange.Config{
			Name:             name,
			BaseURL:          ex.BaseURL,
			SnapshotPath:     snapshotPath,
			StreamPath:       streamPath,
			HTTPTimeout:      cfg.Feed.HTTPTimeout.Duration,
			HandshakeTimeout: cfg.Feed.HandshakeTimeout.Duration,
			ReadTimeout:      cfg.Feed.ReadTimeout.Duration,
			RateLimit:        cfg.Feed.SnapshotRate,
			RateBurst:        cfg.Feed.SnapshotBurst,
			BreakerFailures:  uint32(cfg.Feed.BreakerFailures),
			BreakerCooldown:  cfg.Feed.BreakerCooldown.Duration,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		clients[name] = client
	}

	e.supervisor = feed.NewSupervisor(feed.SupervisorConfig{
		Exchanges: clients,
		Session: feed.SessionConfig{
			Quotes:        e.quotes,
			SnapshotDelay: cfg.Feed.SnapshotDelay.Duration,
			Backoff: feed.Backoff{
				Base: cfg.Feed.BackoffBase.Duration,
				Max:  cfg.Feed.BackoffMax.Duration,
			},
			MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
			MaxSyncAttempts:      cfg.Feed.MaxSyncAttempts,
			MaxBufferedEvents:    cfg.Feed.MaxBufferedEvents,
		},
		RestartAfter: cfg.Feed.RestartAfter.Duration,
		MaxRestarts:  cfg.Feed.MaxRestarts,
		OnFatal:      e.onSessionFailed,
		Logger:       logger,
		Metrics:      e.metrics,
	})

	var store domain.ExecutionStore
	if deps.Executions != nil {
		store = deps.Executions
	}
	e.sink = executor.NewSink(executor.SinkConfig{
		QueueSize: cfg.Arbitrage.SinkQueue,
		Store:     store,
		Bus:       deps.SignalBus,
		Alerter:   alerter(deps.Notifier),
		Logger:    logger,
		Metrics:   e.metrics,
	})

	e.detector = arbitrage.NewDetector(arbitrage.DetectorConfig{
		MinProfit: cfg.Arbitrage.MinProfit.Decimal,
		Cooldown:  cfg.Arbitrage.Cooldown.Duration,
		Dedup:     deps.Dedup,
		Sink:      e.sink,
		Logger:    logger,
		Metrics:   e.metrics,
	})

	if cfg.ArchiveEnabled() && deps.Executions != nil && deps.Blob != nil {
		e.archiver = s3blob.NewArchiver(s3blob.ArchiverConfig{
			Store:              deps.Executions,
			Blob:               deps.Blob,
			Lock:               deps.LockManager,
			Retention:          cfg.Archive.Retention.Duration,
			MultipartThreshold: cfg.Archive.MultipartThreshold,
			Alerter:            alerter(deps.Notifier),
			Logger:             logger,
			Metrics:            e.metrics,
		})
	}

	if cfg.Server.Enabled {
		var execs handler.ExecutionLister
		if deps.Executions != nil {
			execs = deps.Executions
		}
		e.server = server.NewServer(server.Config{
			Addr:        ":" + strconv.Itoa(cfg.Server.Port),
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			RateBurst:   cfg.Server.RateBurst,
		}, server.Handlers{
			Health:     handler.NewHealthHandler(deps.Health, logger),
			Feeds:      handler.NewFeedHandler(e.supervisor, e.detector),
			Executions: handler.NewExecutionHandler(execs, logger),
			Metrics:    e.metrics.Handler(),
		}, logger)
	}

	return e, nil
}

// run starts every component in one errgroup. The first component to fail
// cancels the rest.
func (e *engine) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := e.supervisor.Run(ctx)
		if err == nil {
			e.logger.ErrorContext(ctx, "every feed session has stopped; no quotes will arrive")
		}
		return ignoreCanceled(err)
	})
	g.Go(func() error {
		return ignoreCanceled(e.detector.Run(ctx, e.quotes))
	})
	g.Go(func() error {
		return ignoreCanceled(e.sink.Run(ctx))
	})

	if e.deps.MemoryDedup != nil {
		g.Go(func() error {
			return ignoreCanceled(e.deps.MemoryDedup.RunCleanup(ctx, e.cfg.Arbitrage.DedupSweep.Duration))
		})
	}
	if e.archiver != nil {
		g.Go(func() error {
			return ignoreCanceled(e.archiver.Run(ctx, e.cfg.Archive.Interval.Duration))
		})
	}
	if e.server != nil {
		g.Go(func() error {
			return e.server.Run(ctx, shutdownTimeout)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// onSessionFailed is the supervisor's fatal handler.
func (e *engine) onSessionFailed(ctx context.Context, exchange string, err error) {
	title, msg := notify.SessionFailedMessage(exchange, err)
	if nerr := e.deps.Notifier.Notify(ctx, notify.EventSessionFailed, title, msg); nerr != nil {
		e.logger.WarnContext(ctx, "session failure alert not delivered",
			slog.String("exchange", exchange),
			slog.String("error", nerr.Error()),
		)
	}
}

// alerter converts a possibly nil notifier into a nil interface so optional
// checks in the consumers work.
func alerter(n *notify.Notifier) executor.Alerter {
	if !n.Enabled() {
		return nil
	}
	return n
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
