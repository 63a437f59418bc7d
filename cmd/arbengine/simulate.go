package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/arbengine/internal/simulator"
)

func newSimulateCmd() *cobra.Command {
	var (
		addr     string
		cfg      simulator.Config
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated exchange (snapshot endpoint and diff stream)",
		Example: `  arbengine simulate --addr :8081 --mid 100
  arbengine simulate --addr :8082 --mid 100.6 --envelope`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Logger = newLogger(logLevel)
			sim := simulator.NewServer(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := sim.ListenAndServe(ctx, addr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	cmd.Flags().StringVar(&cfg.Symbol, "symbol", "BTCUSDT", "symbol reported in events")
	cmd.Flags().Float64Var(&cfg.Mid, "mid", 100, "starting mid price")
	cmd.Flags().Int64Var(&cfg.StartID, "start-id", 5000, "first update id")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", 0, "random seed (0 picks one from the clock)")
	cmd.Flags().DurationVar(&cfg.Interval, "interval", 400*time.Millisecond, "time between diffs")
	cmd.Flags().BoolVar(&cfg.Envelope, "envelope", false, "wrap events in a {stream,data} envelope")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}
