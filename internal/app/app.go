// Package app wires the feed supervisor, the arbitrage detector, the
// execution sink and the supporting services, and runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbengine/internal/config"
)

// App is the root application object. Closers run in reverse order on
// shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires the backends, starts every component and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting arbengine",
		slog.Any("exchanges", a.cfg.ExchangeNames()),
		slog.String("min_profit", a.cfg.Arbitrage.MinProfit.String()),
		slog.String("dedup_backend", a.cfg.Arbitrage.DedupBackend),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	eng, err := newEngine(a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: build engine: %w", err)
	}
	return eng.run(ctx)
}

// Close tears down all resources. Safe to call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
