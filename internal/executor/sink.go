// Package executor is the downstream end of the detector: it accepts
// opportunities, runs the (simulated) execution and records the outcome.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
)

const (
	// ExecutionsChannel is the pub/sub channel each execution is published on.
	ExecutionsChannel = "arb.executions"
	// ExecutionsStream is the Redis stream each execution is appended to.
	ExecutionsStream = "stream:arb.executions"
)

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SinkConfig configures a Sink. Store, Bus and Alerter are optional.
type SinkConfig struct {
	QueueSize int
	Store     domain.ExecutionStore
	Bus       domain.SignalBus
	Alerter   Alerter

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Sink queues opportunities and executes them on its own goroutine so the
// detector never waits on storage or notifications.
type Sink struct {
	cfg    SinkConfig
	queue  chan domain.Opportunity
	logger *slog.Logger
}

// NewSink creates a Sink. Run must be started for queued work to happen.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sink{
		cfg:    cfg,
		queue:  make(chan domain.Opportunity, cfg.QueueSize),
		logger: cfg.Logger.With(slog.String("component", "executor")),
	}
}

// Submit enqueues opp. A full queue drops it.
func (s *Sink) Submit(ctx context.Context, opp domain.Opportunity) {
	select {
	case s.queue <- opp:
	default:
		s.cfg.Metrics.SinkDrops.Inc()
		s.logger.WarnContext(ctx, "execution queue full, dropping opportunity",
			slog.String("id", opp.ID),
			slog.Int("queue_size", s.cfg.QueueSize),
		)
	}
}

// Run executes queued opportunities until ctx is cancelled, then drains what
// is already queued.
func (s *Sink) Run(ctx context.Context) error {
	s.logger.Info("executor started")
	defer s.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case opp := <-s.queue:
			s.execute(ctx, opp)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case opp := <-s.queue:
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.execute(drainCtx, opp)
			cancel()
		default:
			return
		}
	}
}

// execute runs one opportunity. Collaborator failures are logged and never
// change the execution outcome.
func (s *Sink) execute(ctx context.Context, opp domain.Opportunity) {
	log := s.logger.With(
		slog.String("id", opp.ID),
		slog.String("buy_from", opp.BuyFrom),
		slog.String("sell_to", opp.SellTo),
	)
	log.InfoContext(ctx, "executing arbitrage",
		slog.String("buy_price", opp.BuyPrice.String()),
		slog.String("sell_price", opp.SellPrice.String()),
		slog.String("profit", opp.Profit.String()),
	)

	exec := domain.Execution{
		Opportunity: opp,
		Status:      domain.ExecutionCompleted,
		CompletedAt: s.cfg.Now(),
	}
	s.cfg.Metrics.Executions.WithLabelValues(string(exec.Status)).Inc()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Insert(ctx, exec); err != nil {
			log.WarnContext(ctx, "persist execution failed", slog.String("error", err.Error()))
		}
	}

	if s.cfg.Bus != nil {
		payload, err := json.Marshal(exec)
		if err != nil {
			log.WarnContext(ctx, "marshal execution failed", slog.String("error", err.Error()))
		} else {
			if err := s.cfg.Bus.Publish(ctx, ExecutionsChannel, payload); err != nil {
				log.WarnContext(ctx, "publish execution failed", slog.String("error", err.Error()))
			}
			if err := s.cfg.Bus.StreamAppend(ctx, ExecutionsStream, payload); err != nil {
				log.WarnContext(ctx, "append execution failed", slog.String("error", err.Error()))
			}
		}
	}

	if s.cfg.Alerter != nil {
		title, msg := notify.OpportunityMessage(opp)
		if err := s.cfg.Alerter.Notify(ctx, notify.EventArbDetected, title, msg); err != nil {
			log.WarnContext(ctx, "notify execution failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "arbitrage execution finished", slog.String("status", string(exec.Status)))
}

var _ domain.ExecutionSink = (*Sink)(nil)
