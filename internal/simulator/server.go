package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/platform/exchange"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config configures a simulated venue.
type Config struct {
	Symbol   string
	Mid      float64
	StartID  int64
	Seed     uint64
	Interval time.Duration
	// Envelope wraps each event as {"stream": ..., "data": ...}.
	Envelope bool
	Logger   *slog.Logger
}

// Server publishes one Book to every connected stream client. All clients
// see the same id sequence.
type Server struct {
	cfg    Config
	book   *Book
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewServer creates a simulated venue. Run drives the book.
func NewServer(cfg Config) *Server {
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	if cfg.Mid <= 0 {
		cfg.Mid = 100
	}
	if cfg.StartID <= 0 {
		cfg.StartID = 5000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 400 * time.Millisecond
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		book:    NewBook(cfg.Symbol, cfg.Mid, cfg.StartID, cfg.Seed),
		logger:  cfg.Logger.With(slog.String("component", "simulator")),
		clients: make(map[chan []byte]struct{}),
	}
}

// Book exposes the simulated book.
func (s *Server) Book() *Book { return s.book }

// Handler serves GET /api/v3/depth and GET /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+exchange.DefaultSnapshotPath, s.handleSnapshot)
	mux.HandleFunc("GET "+exchange.DefaultStreamPath, s.handleStream)
	return mux
}

// Run emits one diff per interval until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Step(); err != nil {
				return err
			}
		}
	}
}

// Step advances the book by one diff and broadcasts it.
func (s *Server) Step() error {
	ev := s.book.Next()
	var (
		data []byte
		err  error
	)
	if s.cfg.Envelope {
		data, err = json.Marshal(map[string]any{"stream": "depth", "data": ev})
	} else {
		data, err = json.Marshal(ev)
	}
	if err != nil {
		return fmt.Errorf("simulator: marshal event: %w", err)
	}
	s.Broadcast(data)
	return nil
}

// Broadcast sends a raw frame to every client. Slow clients drop frames,
// which they observe as a sequence gap.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c <- data:
		default:
			s.logger.Warn("dropping frame for slow client")
		}
	}
}

// Clients returns the number of connected stream clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	errc := make(chan error, 2)
	go func() { errc <- s.Run(ctx) }()
	go func() {
		s.logger.Info("simulator listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("simulator: listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			_ = srv.Close()
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.book.Snapshot()); err != nil {
		s.logger.Warn("write snapshot", slog.String("error", err.Error()))
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	send := make(chan []byte, sendBufferSize)
	s.mu.Lock()
	s.clients[send] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("stream client connected", slog.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.mu.Lock()
		delete(s.clients, send)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("stream client disconnected", slog.String("remote", r.RemoteAddr))
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
