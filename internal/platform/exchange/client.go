// Package exchange talks to a depth-feed venue: the REST snapshot endpoint
// and the websocket diff stream.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/feed"
)

const (
	DefaultSnapshotPath = "/api/v3/depth"
	DefaultStreamPath   = "/ws"

	// maxErrorBody bounds how much of a failed response ends up in an error.
	maxErrorBody = 512
)

// Config describes one venue.
type Config struct {
	Name    string
	BaseURL string

	SnapshotPath string
	StreamPath   string

	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout closes a stream that has been silent this long.
	ReadTimeout time.Duration

	// RateLimit is snapshot requests per second; zero means unlimited.
	RateLimit float64
	RateBurst int

	// BreakerFailures consecutive snapshot failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger *slog.Logger
}

// Client is the upstream adapter for one venue. It satisfies feed.Exchange.
type Client struct {
	name        string
	snapshotURL string
	streamURL   string

	httpClient *http.Client
	dialer     *websocket.Dialer
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	readTimeout time.Duration
	logger      *slog.Logger
}

// NewClient derives the snapshot and stream URLs from cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = DefaultSnapshotPath
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = DefaultStreamPath
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	snapshotURL, streamURL, err := DeriveURLs(cfg.BaseURL, cfg.SnapshotPath, cfg.StreamPath)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s: %w", cfg.Name, err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger.With(
		slog.String("component", "exchange_client"),
		slog.String("exchange", cfg.Name),
	)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name + "-snapshot",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("snapshot breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		name:        cfg.Name,
		snapshotURL: snapshotURL,
		streamURL:   streamURL,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		limiter:     rate.NewLimiter(limit, burst),
		breaker:     breaker,
		readTimeout: cfg.ReadTimeout,
		logger:      logger,
	}, nil
}

// DeriveURLs returns the snapshot URL (baseURL + snapshotPath) and the stream
// URL (baseURL with http->ws, https->wss, + streamPath).
func DeriveURLs(baseURL, snapshotPath, streamPath string) (string, string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", "", fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("base url %q has no host", baseURL)
	}

	snap := *u
	snap.Path = u.Path + snapshotPath

	stream := *u
	stream.Path = u.Path + streamPath
	switch u.Scheme {
	case "http":
		stream.Scheme = "ws"
	case "https":
		stream.Scheme = "wss"
	case "ws", "wss":
		snap.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	default:
		return "", "", fmt.Errorf("base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	return snap.String(), stream.String(), nil
}

// SnapshotURL returns the REST endpoint used for snapshots.
func (c *Client) SnapshotURL() string { return c.snapshotURL }

// StreamURL returns the websocket endpoint.
func (c *Client) StreamURL() string { return c.streamURL }

// Snapshot fetches the full book. Calls are rate limited and pass through a
// circuit breaker; an open breaker fails fast with gobreaker.ErrOpenState.
func (c *Client) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Snapshot{}, fmt.Errorf("exchange: %s: snapshot: %w", c.name, err)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchSnapshot(ctx)
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("exchange: %s: snapshot: %w", c.name, err)
	}
	return res.(domain.Snapshot), nil
}

func (c *Client) fetchSnapshot(ctx context.Context) (domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.Snapshot{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var api APISnapshot
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode: %w", err)
	}
	snap, err := api.ToDomain()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode: %w", err)
	}
	return snap, nil
}

// Stream dials the diff stream.
func (c *Client) Stream(ctx context.Context) (feed.Stream, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("exchange: %s: dial: %w (status %d)", c.name, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("exchange: %s: dial: %w", c.name, err)
	}
	return newWSStream(conn, c.readTimeout, c.logger), nil
}

// IsBreakerOpen reports whether err came from an open snapshot breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

var _ feed.Exchange = (*Client)(nil)
