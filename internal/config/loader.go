package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load decodes the TOML file at path over Defaults, loads .env when present
// and applies environment overrides. An empty path skips the file. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides copies non-empty ARBENGINE_* variables over cfg, then
// the deployment-level EXCHANGES_AND_BASE_URLS and REDIS_URL.
func applyEnvOverrides(cfg *Config) error {
	// ── Feed ──
	setDuration(&cfg.Feed.SnapshotDelay, "ARBENGINE_FEED_SNAPSHOT_DELAY")
	setDuration(&cfg.Feed.BackoffBase, "ARBENGINE_FEED_BACKOFF_BASE")
	setDuration(&cfg.Feed.BackoffMax, "ARBENGINE_FEED_BACKOFF_MAX")
	setInt(&cfg.Feed.MaxReconnectAttempts, "ARBENGINE_FEED_MAX_RECONNECT_ATTEMPTS")
	setInt(&cfg.Feed.MaxSyncAttempts, "ARBENGINE_FEED_MAX_SYNC_ATTEMPTS")
	setInt(&cfg.Feed.MaxBufferedEvents, "ARBENGINE_FEED_MAX_BUFFERED_EVENTS")
	setDuration(&cfg.Feed.RestartAfter, "ARBENGINE_FEED_RESTART_AFTER")
	setInt(&cfg.Feed.MaxRestarts, "ARBENGINE_FEED_MAX_RESTARTS")
	setStr(&cfg.Feed.SnapshotPath, "ARBENGINE_FEED_SNAPSHOT_PATH")
	setStr(&cfg.Feed.StreamPath, "ARBENGINE_FEED_STREAM_PATH")
	setDuration(&cfg.Feed.ReadTimeout, "ARBENGINE_FEED_READ_TIMEOUT")
	setFloat64(&cfg.Feed.SnapshotRate, "ARBENGINE_FEED_SNAPSHOT_RATE")

	// ── Arbitrage ──
	if v := os.Getenv("ARBENGINE_ARBITRAGE_MIN_PROFIT"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: ARBENGINE_ARBITRAGE_MIN_PROFIT: %w", err)
		}
		cfg.Arbitrage.MinProfit = Decimal{d}
	}
	setDuration(&cfg.Arbitrage.Cooldown, "ARBENGINE_ARBITRAGE_COOLDOWN")
	setStr(&cfg.Arbitrage.DedupBackend, "ARBENGINE_ARBITRAGE_DEDUP_BACKEND")
	setInt(&cfg.Arbitrage.SinkQueue, "ARBENGINE_ARBITRAGE_SINK_QUEUE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "ARBENGINE_REDIS_URL")
	setStr(&cfg.Redis.Addr, "ARBENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBENGINE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ARBENGINE_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARBENGINE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARBENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBENGINE_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "ARBENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBENGINE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBENGINE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "ARBENGINE_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "ARBENGINE_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBENGINE_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ARBENGINE_LOG_LEVEL")

	// ── Deployment compatibility ──
	if v := os.Getenv("EXCHANGES_AND_BASE_URLS"); v != "" {
		var urls map[string]string
		if err := json.Unmarshal([]byte(v), &urls); err != nil {
			return fmt.Errorf("config: EXCHANGES_AND_BASE_URLS must be a JSON object of name to base URL: %w", err)
		}
		if cfg.Exchanges == nil {
			cfg.Exchanges = make(map[string]ExchangeConfig, len(urls))
		}
		for name, base := range urls {
			ex := cfg.Exchanges[name]
			ex.BaseURL = base
			cfg.Exchanges[name] = ex
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" && os.Getenv("ARBENGINE_REDIS_URL") == "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
