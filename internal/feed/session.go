// Package feed keeps one synchronized local book per exchange. A Session owns
// the stream connection, the pending diff buffer and the snapshot/resync
// protocol; the Supervisor runs one Session per configured exchange.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/orderbook"
)

// frameQueue is the capacity of the channel between the stream reader and
// the session loop.
const frameQueue = 256

// SessionConfig configures a Session.
type SessionConfig struct {
	Exchange string
	Client   Exchange

	// Quotes receives best-quote updates. Nil disables publishing.
	Quotes chan<- domain.BestQuote

	// SnapshotDelay is how long diffs are buffered before each snapshot fetch.
	SnapshotDelay        time.Duration
	Backoff              Backoff
	MaxReconnectAttempts int
	// MaxSyncAttempts bounds consecutive failed sync cycles on one connection
	// before it is dropped and re-dialed.
	MaxSyncAttempts   int
	MaxBufferedEvents int

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

func (c *SessionConfig) setDefaults() {
	if c.SnapshotDelay <= 0 {
		c.SnapshotDelay = time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.MaxSyncAttempts <= 0 {
		c.MaxSyncAttempts = 10
	}
	if c.MaxBufferedEvents <= 0 {
		c.MaxBufferedEvents = 10000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session synchronizes one exchange's local book with its upstream feed.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	book   *orderbook.LocalBook

	// Owned by the Run goroutine.
	buffer       []domain.DepthEvent
	syncFailures int
	// unsynced counts consecutive connections dropped for exhausting the
	// sync budget. Only a successful sync clears it.
	unsynced int

	mu   sync.RWMutex
	info SessionInfo

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session for cfg.Exchange. Run starts it.
func NewSession(cfg SessionConfig) *Session {
	cfg.setDefaults()
	return &Session{
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.String("component", "feed_session"),
			slog.String("exchange", cfg.Exchange),
		),
		book: orderbook.New(),
		info: SessionInfo{Exchange: cfg.Exchange, Status: Disconnected},
		done: make(chan struct{}),
	}
}

// Exchange returns the exchange identifier.
func (s *Session) Exchange() string {
	return s.cfg.Exchange
}

// Run connects and keeps the book synchronized until ctx is cancelled, Close
// is called, or the reconnect budget is exhausted. The budget covers failed
// dials and, separately, connections that open but never sync. Both cases
// return an error wrapping domain.ErrRetryBudgetExhausted.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for first := true; ; first = false {
		if !first {
			attempt++
			s.update(func(i *SessionInfo) { i.ReconnectAttempts = attempt })
			if attempt > s.cfg.MaxReconnectAttempts {
				s.setStatus(Failed)
				return fmt.Errorf("feed: %s: %w after %d attempts",
					s.cfg.Exchange, domain.ErrRetryBudgetExhausted, s.cfg.MaxReconnectAttempts)
			}
			delay := s.cfg.Backoff.Delay(attempt)
			s.logger.InfoContext(ctx, "reconnecting",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			s.cfg.Metrics.Reconnects.WithLabelValues(s.cfg.Exchange).Inc()
		}

		s.setStatus(Connecting)
		stream, err := s.cfg.Client.Stream(ctx)
		if err != nil {
			s.setStatus(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.setLastError(err)
			s.logger.WarnContext(ctx, "stream connect failed", slog.String("error", err.Error()))
			continue
		}

		attempt = 0
		s.update(func(i *SessionInfo) { i.ReconnectAttempts = 0 })
		s.logger.InfoContext(ctx, "stream connected")

		err = s.serve(ctx, stream)
		s.setStatus(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setLastError(err)
		s.logger.WarnContext(ctx, "stream disconnected", slog.String("error", err.Error()))

		if errors.Is(err, domain.ErrSyncBudgetExhausted) {
			s.unsynced++
			if s.unsynced > s.cfg.MaxReconnectAttempts {
				s.setStatus(Failed)
				return fmt.Errorf("feed: %s: %w after %d connections without a sync: %w",
					s.cfg.Exchange, domain.ErrRetryBudgetExhausted, s.unsynced, err)
			}
		}
	}
}

// Close stops the session. Run returns shortly after.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Info returns a copy of the session's reporting state.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Status returns the current status.
func (s *Session) Status() Status {
	return s.Info().Status
}

type snapshotResult struct {
	snap domain.Snapshot
	err  error
}

// serve runs one connection: buffer, sync, then apply live diffs until the
// stream fails or the sync budget runs out.
func (s *Session) serve(ctx context.Context, stream Stream) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan domain.DepthEvent, frameQueue)
	readErr := make(chan error, 1)
	go s.readLoop(connCtx, stream, frames, readErr)
	defer stream.Close()

	defer func() {
		if s.Status() == Synced {
			s.publish(ctx, domain.WithdrawQuote(s.cfg.Exchange, s.cfg.Now()))
		}
		s.buffer = nil
	}()

	s.buffer = s.buffer[:0]
	s.syncFailures = 0
	s.setStatus(BufferingForSync)

	timer := time.NewTimer(s.cfg.SnapshotDelay)
	defer timer.Stop()
	var snapshots <-chan snapshotResult

	for {
		select {
		case <-connCtx.Done():
			return connCtx.Err()

		case err := <-readErr:
			return err

		case ev := <-frames:
			if s.handleEvent(connCtx, ev) {
				timer.Reset(s.cfg.SnapshotDelay)
			}

		case <-timer.C:
			snapshots = s.fetchSnapshot(connCtx)

		case res := <-snapshots:
			snapshots = nil
			if connCtx.Err() != nil {
				return connCtx.Err()
			}
			if err := s.syncBook(connCtx, res); err != nil {
				s.syncFailures++
				if s.syncFailures >= s.cfg.MaxSyncAttempts {
					return fmt.Errorf("feed: %s: %w: %w", s.cfg.Exchange, domain.ErrSyncBudgetExhausted, err)
				}
				timer.Reset(s.cfg.SnapshotDelay)
			}
		}
	}
}

// readLoop decodes frames off the stream. Malformed frames are dropped here
// so the session loop only ever sees valid events.
func (s *Session) readLoop(ctx context.Context, stream Stream, out chan<- domain.DepthEvent, errc chan<- error) {
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedMessage) {
				s.cfg.Metrics.MalformedMessages.WithLabelValues(s.cfg.Exchange).Inc()
				s.logger.Warn("dropping malformed message", slog.String("error", err.Error()))
				continue
			}
			errc <- err
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent buffers or applies one diff. It reports true when a sequence
// gap forced the session back into buffering and a snapshot must be
// scheduled.
func (s *Session) handleEvent(ctx context.Context, ev domain.DepthEvent) bool {
	switch s.Status() {
	case BufferingForSync:
		if len(s.buffer) >= s.cfg.MaxBufferedEvents {
			s.buffer = s.buffer[1:]
			s.cfg.Metrics.BufferOverflows.WithLabelValues(s.cfg.Exchange).Inc()
		}
		s.buffer = append(s.buffer, ev)
		return false

	case Synced:
		if ev.PrevFinalUpdateID != s.book.LastUpdateID() {
			s.logger.WarnContext(ctx, "sequence gap, resyncing",
				slog.Int64("expected_pu", s.book.LastUpdateID()),
				slog.Int64("pu", ev.PrevFinalUpdateID),
				slog.Int64("U", ev.FirstUpdateID),
				slog.Int64("u", ev.FinalUpdateID),
			)
			s.cfg.Metrics.Resyncs.WithLabelValues(s.cfg.Exchange, "gap").Inc()
			s.setStatus(BufferingForSync)
			s.buffer = append(s.buffer[:0], ev)
			s.publish(ctx, domain.WithdrawQuote(s.cfg.Exchange, s.cfg.Now()))
			return true
		}
		changed := s.book.Apply(ev)
		s.cfg.Metrics.EventsApplied.WithLabelValues(s.cfg.Exchange).Inc()
		s.recordBook()
		if changed {
			s.publishBest(ctx)
		}
	}
	return false
}

// fetchSnapshot starts a snapshot request in the background. The result
// channel is buffered so the goroutine never outlives a dropped connection.
func (s *Session) fetchSnapshot(ctx context.Context) <-chan snapshotResult {
	out := make(chan snapshotResult, 1)
	go func() {
		start := time.Now()
		snap, err := s.cfg.Client.Snapshot(ctx)
		s.cfg.Metrics.ObserveSnapshot(s.cfg.Exchange, time.Since(start), err)
		out <- snapshotResult{snap: snap, err: err}
	}()
	return out
}

// syncBook runs one alignment attempt against the buffered diffs. The buffer is
// consumed whether or not the attempt succeeds.
func (s *Session) syncBook(ctx context.Context, res snapshotResult) error {
	buffered := s.buffer
	s.buffer = nil

	if res.err != nil {
		s.cfg.Metrics.Resyncs.WithLabelValues(s.cfg.Exchange, "snapshot").Inc()
		s.logger.WarnContext(ctx, "snapshot fetch failed",
			slog.Int("attempt", s.syncFailures+1),
			slog.String("error", res.err.Error()),
		)
		return fmt.Errorf("%w: %w", domain.ErrSnapshotFetch, res.err)
	}

	applied, err := align(s.book, res.snap, buffered)
	if err != nil {
		reason := "gap"
		if errors.Is(err, domain.ErrNoAlignment) {
			reason = "alignment"
		}
		s.cfg.Metrics.Resyncs.WithLabelValues(s.cfg.Exchange, reason).Inc()
		s.logger.InfoContext(ctx, "sync attempt failed, resyncing",
			slog.Int64("snapshot_id", res.snap.LastUpdateID),
			slog.Int("buffered", len(buffered)),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.syncFailures = 0
	s.unsynced = 0
	s.cfg.Metrics.EventsApplied.WithLabelValues(s.cfg.Exchange).Add(float64(applied))
	s.recordBook()
	s.update(func(i *SessionInfo) {
		i.Status = Synced
		i.SyncedAt = s.cfg.Now()
		i.LastError = ""
	})
	s.cfg.Metrics.SessionStatus.WithLabelValues(s.cfg.Exchange).Set(float64(Synced))
	s.logger.InfoContext(ctx, "book synced",
		slog.Int64("snapshot_id", res.snap.LastUpdateID),
		slog.Int64("last_update_id", s.book.LastUpdateID()),
		slog.Int("replayed", applied),
	)
	s.publishBest(ctx)
	return nil
}

func (s *Session) publishBest(ctx context.Context) {
	bid, ask := s.book.Best()
	s.publish(ctx, domain.BestQuote{
		Exchange: s.cfg.Exchange,
		Bid:      bid,
		Ask:      ask,
		UpdateID: s.book.LastUpdateID(),
		Time:     s.cfg.Now(),
	})
}

func (s *Session) publish(ctx context.Context, q domain.BestQuote) {
	if s.cfg.Quotes == nil {
		return
	}
	select {
	case s.cfg.Quotes <- q:
		s.cfg.Metrics.QuotesPublished.WithLabelValues(s.cfg.Exchange).Inc()
	case <-ctx.Done():
	}
}

func (s *Session) recordBook() {
	bids, asks := s.book.Depth()
	last := s.book.LastUpdateID()
	s.update(func(i *SessionInfo) {
		i.LastUpdateID = last
		i.BidLevels = bids
		i.AskLevels = asks
	})
}

func (s *Session) setStatus(st Status) {
	s.update(func(i *SessionInfo) { i.Status = st })
	s.cfg.Metrics.SessionStatus.WithLabelValues(s.cfg.Exchange).Set(float64(st))
}

func (s *Session) setLastError(err error) {
	if err == nil {
		return
	}
	s.update(func(i *SessionInfo) { i.LastError = err.Error() })
}

func (s *Session) update(fn func(*SessionInfo)) {
	s.mu.Lock()
	fn(&s.info)
	s.mu.Unlock()
}
