// Package config defines the engine configuration and its validation.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file, then
// ARBENGINE_* environment variables override them.
type Config struct {
	Exchanges map[string]ExchangeConfig `toml:"exchanges"`
	Feed      FeedConfig                `toml:"feed"`
	Arbitrage ArbitrageConfig           `toml:"arbitrage"`
	Redis     RedisConfig               `toml:"redis"`
	Postgres  PostgresConfig            `toml:"postgres"`
	S3        S3Config                  `toml:"s3"`
	Archive   ArchiveConfig             `toml:"archive"`
	Server    ServerConfig              `toml:"server"`
	Notify    NotifyConfig              `toml:"notify"`
	LogLevel  string                    `toml:"log_level"`
}

// ExchangeConfig is one venue. Empty paths fall back to the feed defaults.
type ExchangeConfig struct {
	BaseURL      string `toml:"base_url"`
	SnapshotPath string `toml:"snapshot_path,omitempty"`
	StreamPath   string `toml:"stream_path,omitempty"`
}

// FeedConfig tunes every feed session.
type FeedConfig struct {
	SnapshotDelay        duration `toml:"snapshot_delay"`
	BackoffBase          duration `toml:"backoff_base"`
	BackoffMax           duration `toml:"backoff_max"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	MaxSyncAttempts      int      `toml:"max_sync_attempts"`
	MaxBufferedEvents    int      `toml:"max_buffered_events"`

	// RestartAfter > 0 lets the supervisor revive a failed session.
	RestartAfter duration `toml:"restart_after"`
	MaxRestarts  int      `toml:"max_restarts"`

	SnapshotPath     string   `toml:"snapshot_path"`
	StreamPath       string   `toml:"stream_path"`
	HTTPTimeout      duration `toml:"http_timeout"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	ReadTimeout      duration `toml:"read_timeout"`
	SnapshotRate     float64  `toml:"snapshot_rate"`
	SnapshotBurst    int      `toml:"snapshot_burst"`
	BreakerFailures  int      `toml:"breaker_failures"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
	QuoteBuffer      int      `toml:"quote_buffer"`
}

// Dedup backends.
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// ArbitrageConfig holds detector and sink parameters.
type ArbitrageConfig struct {
	MinProfit    Decimal  `toml:"min_profit"`
	Cooldown     duration `toml:"cooldown"`
	DedupBackend string   `toml:"dedup_backend"`
	// DedupSweep is how often the memory backend drops expired keys.
	DedupSweep duration `toml:"dedup_sweep"`
	SinkQueue  int      `toml:"sink_queue"`
}

// RedisConfig holds Redis connection parameters. URL wins over Addr.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the execution archive job.
type ArchiveConfig struct {
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	// MultipartThreshold in bytes.
	MultipartThreshold int64 `toml:"multipart_threshold"`
}

type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Decimal accepts a TOML string, float or integer. Strings are preferred so
// the value is exact.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalTOML(v any) error {
	var err error
	switch x := v.(type) {
	case string:
		d.Decimal, err = decimal.NewFromString(x)
	case float64:
		d.Decimal = decimal.NewFromFloat(x)
	case int64:
		d.Decimal = decimal.NewFromInt(x)
	default:
		err = fmt.Errorf("unsupported decimal value %T", v)
	}
	return err
}

func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.Decimal.String()), nil
}

// Defaults returns the configuration used for every key the file omits.
func Defaults() Config {
	return Config{
		Exchanges: map[string]ExchangeConfig{},
		Feed: FeedConfig{
			SnapshotDelay:        duration{time.Second},
			BackoffBase:          duration{time.Second},
			BackoffMax:           duration{30 * time.Second},
			MaxReconnectAttempts: 10,
			MaxSyncAttempts:      10,
			MaxBufferedEvents:    10000,
			RestartAfter:         duration{0},
			MaxRestarts:          0,
			SnapshotPath:         "/api/v3/depth",
			StreamPath:           "/ws",
			HTTPTimeout:          duration{10 * time.Second},
			HandshakeTimeout:     duration{15 * time.Second},
			ReadTimeout:          duration{60 * time.Second},
			SnapshotRate:         2,
			SnapshotBurst:        2,
			BreakerFailures:      5,
			BreakerCooldown:      duration{30 * time.Second},
			QuoteBuffer:          256,
		},
		Arbitrage: ArbitrageConfig{
			MinProfit:    Decimal{decimal.RequireFromString("0.5")},
			Cooldown:     duration{time.Minute},
			DedupBackend: DedupRedis,
			DedupSweep:   duration{time.Minute},
			SinkQueue:    1024,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "arbengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbengine-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:           duration{time.Hour},
			Retention:          duration{30 * 24 * time.Hour},
			MultipartThreshold: 8 << 20,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"session_failed", "archive_failed"},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ExchangeNames returns the configured exchanges in sorted order.
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchanges
	if len(c.Exchanges) < 2 {
		errs = append(errs, fmt.Sprintf("exchanges: at least two are required to detect spreads, got %d", len(c.Exchanges)))
	}
	for _, name := range c.ExchangeNames() {
		ex := c.Exchanges[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "exchanges: name must not be empty")
			continue
		}
		u, err := url.Parse(ex.BaseURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("exchanges.%s: base_url %q is not an absolute URL", name, ex.BaseURL))
			continue
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			errs = append(errs, fmt.Sprintf("exchanges.%s: unsupported base_url scheme %q", name, u.Scheme))
		}
	}

	// Feed
	f := c.Feed
	if f.SnapshotDelay.Duration < 0 {
		errs = append(errs, "feed: snapshot_delay must be >= 0")
	}
	if f.BackoffBase.Duration <= 0 {
		errs = append(errs, "feed: backoff_base must be > 0")
	}
	if f.BackoffMax.Duration < f.BackoffBase.Duration {
		errs = append(errs, "feed: backoff_max must be >= backoff_base")
	}
	if f.MaxReconnectAttempts < 1 {
		errs = append(errs, "feed: max_reconnect_attempts must be >= 1")
	}
	if f.MaxSyncAttempts < 1 {
		errs = append(errs, "feed: max_sync_attempts must be >= 1")
	}
	if f.MaxBufferedEvents < 1 {
		errs = append(errs, "feed: max_buffered_events must be >= 1")
	}
	if f.RestartAfter.Duration < 0 || f.MaxRestarts < 0 {
		errs = append(errs, "feed: restart_after and max_restarts must be >= 0")
	}
	if f.SnapshotRate < 0 {
		errs = append(errs, "feed: snapshot_rate must be >= 0")
	}
	if f.BreakerFailures < 1 {
		errs = append(errs, "feed: breaker_failures must be >= 1")
	}
	if f.QuoteBuffer < 1 {
		errs = append(errs, "feed: quote_buffer must be >= 1")
	}

	// Arbitrage
	if c.Arbitrage.MinProfit.IsNegative() {
		errs = append(errs, "arbitrage: min_profit must be >= 0")
	}
	if c.Arbitrage.Cooldown.Duration <= 0 {
		errs = append(errs, "arbitrage: cooldown must be > 0")
	}
	switch c.Arbitrage.DedupBackend {
	case DedupMemory:
	case DedupRedis:
		if !c.Redis.Enabled {
			errs = append(errs, "arbitrage: dedup_backend \"redis\" requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("arbitrage: unknown dedup_backend %q (valid: memory, redis)", c.Arbitrage.DedupBackend))
	}
	if c.Arbitrage.SinkQueue < 1 {
		errs = append(errs, "arbitrage: sink_queue must be >= 1")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.URL != "" {
			if _, err := redis.ParseURL(c.Redis.URL); err != nil {
				errs = append(errs, fmt.Sprintf("redis: invalid url: %v", err))
			}
		} else if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Archive
	if c.ArchiveEnabled() {
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ArchiveEnabled reports whether the archive job has both its ends.
func (c *Config) ArchiveEnabled() bool {
	return c.Postgres.Enabled && c.S3.Enabled
}
