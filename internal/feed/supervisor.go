package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// FatalHandler is told when a session gives up on its exchange.
type FatalHandler func(ctx context.Context, exchange string, err error)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Exchanges maps exchange id to its upstream client.
	Exchanges map[string]Exchange
	// Session is the template for every session; Exchange and Client are
	// filled in per entry.
	Session SessionConfig

	// RestartAfter is the pause before a failed session is started again.
	// Zero leaves failed sessions stopped.
	RestartAfter time.Duration
	MaxRestarts  int

	OnFatal FatalHandler
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Supervisor runs one independent Session per exchange. Sessions share
// nothing; one exchange failing never stops the others.
type Supervisor struct {
	cfg      SupervisorConfig
	sessions []*Session
	logger   *slog.Logger

	mu       sync.Mutex
	restarts map[string]int
}

// NewSupervisor builds the sessions. Run starts them.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	names := make([]string, 0, len(cfg.Exchanges))
	for name := range cfg.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	sessions := make([]*Session, 0, len(names))
	for _, name := range names {
		sc := cfg.Session
		sc.Exchange = name
		sc.Client = cfg.Exchanges[name]
		sc.Logger = cfg.Logger
		sc.Metrics = cfg.Metrics
		sessions = append(sessions, NewSession(sc))
	}

	return &Supervisor{
		cfg:      cfg,
		sessions: sessions,
		logger:   cfg.Logger.With(slog.String("component", "feed_supervisor")),
		restarts: make(map[string]int),
	}
}

// Run starts every session and blocks until ctx is cancelled and all
// sessions have returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting feed sessions", slog.Int("exchanges", len(s.sessions)))

	var wg sync.WaitGroup
	for _, sess := range s.sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(ctx, sess)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops every session.
func (s *Supervisor) Close() {
	for _, sess := range s.sessions {
		sess.Close()
	}
}

// Statuses reports every session, ordered by exchange.
func (s *Supervisor) Statuses() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := sess.Info()
		info.Restarts = s.restarts[sess.Exchange()]
		out = append(out, info)
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, sess *Session) {
	exchange := sess.Exchange()
	logger := s.logger.With(slog.String("exchange", exchange))

	for {
		err := sess.Run(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		s.cfg.Metrics.SessionFailures.WithLabelValues(exchange).Inc()
		logger.ErrorContext(ctx, "feed session failed", slog.String("error", err.Error()))
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(ctx, exchange, err)
		}

		s.mu.Lock()
		restarts := s.restarts[exchange]
		s.mu.Unlock()
		if s.cfg.RestartAfter <= 0 || restarts >= s.cfg.MaxRestarts {
			logger.ErrorContext(ctx, "feed session stopped permanently", slog.Int("restarts", restarts))
			return
		}

		if sleep(ctx, s.cfg.RestartAfter) != nil {
			return
		}
		s.mu.Lock()
		s.restarts[exchange]++
		s.mu.Unlock()
		logger.InfoContext(ctx, "restarting feed session", slog.Int("restart", restarts+1))
	}
}
