// Command arbengine runs the order-book synchronizer and cross-exchange
// arbitrage detector. It also ships a simulated exchange for local runs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "arbengine",
		Short: "Order-book synchronizer and cross-exchange arbitrage detector",
		Long: `arbengine keeps a local copy of each exchange's order book in sync from
a REST snapshot plus a diff stream, and reports price gaps between exchanges
that exceed a profit threshold.`,
		SilenceUsage: true,
		RunE:         runEngine,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")

	root.AddCommand(newRunCmd(), newConfigCmd(), newSimulateCmd())
	return root
}

// newLogger builds the JSON logger used by every command.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
