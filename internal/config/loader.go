package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STRATCORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STRATCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Sessions are configured in the file only.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "STRATCORE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "STRATCORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STRATCORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STRATCORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STRATCORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STRATCORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STRATCORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STRATCORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STRATCORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STRATCORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STRATCORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STRATCORE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STRATCORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STRATCORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STRATCORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STRATCORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STRATCORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STRATCORE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "STRATCORE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "STRATCORE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "STRATCORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STRATCORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "STRATCORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STRATCORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STRATCORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STRATCORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STRATCORE_S3_FORCE_PATH_STYLE")

	// ── Venue ──
	setStr(&cfg.Venue.Name, "STRATCORE_VENUE_NAME")
	setStr(&cfg.Venue.BaseURL, "STRATCORE_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "STRATCORE_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "STRATCORE_VENUE_API_SECRET")
	setStr(&cfg.Venue.Passphrase, "STRATCORE_VENUE_PASSPHRASE")
	setStr(&cfg.Venue.EncryptedSecretPath, "STRATCORE_VENUE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Venue.SecretPassword, "STRATCORE_VENUE_SECRET_PASSWORD")
	setFloat64(&cfg.Venue.RequestsPerSecond, "STRATCORE_VENUE_REQUESTS_PER_SECOND")
	setInt(&cfg.Venue.Burst, "STRATCORE_VENUE_BURST")
	setDuration(&cfg.Venue.Timeout, "STRATCORE_VENUE_TIMEOUT")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "STRATCORE_FEED_ENABLED")
	setStr(&cfg.Feed.WSURL, "STRATCORE_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Pairs, "STRATCORE_FEED_PAIRS")
	setInt(&cfg.Feed.ExtraBars, "STRATCORE_FEED_EXTRA_BARS")
	setInt(&cfg.Feed.MaxStaleBars, "STRATCORE_FEED_MAX_STALE_BARS")
	setInt(&cfg.Feed.Workers, "STRATCORE_FEED_WORKERS")

	// ── Decision ──
	setFloat64(&cfg.Decision.ConfirmationBypass, "STRATCORE_DECISION_CONFIRMATION_BYPASS")
	setDuration(&cfg.Decision.EvaluationTimeout, "STRATCORE_DECISION_EVALUATION_TIMEOUT")
	setInt(&cfg.Decision.MinLookback, "STRATCORE_DECISION_MIN_LOOKBACK")
	setInt(&cfg.Decision.RecentLimit, "STRATCORE_DECISION_RECENT_LIMIT")

	// ── Risk ──
	setDuration(&cfg.Risk.LossStreakCooldown, "STRATCORE_RISK_LOSS_STREAK_COOLDOWN")
	setStringSlice(&cfg.Risk.SupportedPairs, "STRATCORE_RISK_SUPPORTED_PAIRS")
	setDuration(&cfg.Risk.KillSwitchRefresh, "STRATCORE_RISK_KILL_SWITCH_REFRESH")

	// ── Fees ──
	setFloat64(&cfg.Fees.DefaultPercent, "STRATCORE_FEES_DEFAULT_PERCENT")
	setDuration(&cfg.Fees.TTL, "STRATCORE_FEES_TTL")

	// ── Execution ──
	setDuration(&cfg.Execution.Timeout, "STRATCORE_EXECUTION_TIMEOUT")
	setDuration(&cfg.Execution.LockTTL, "STRATCORE_EXECUTION_LOCK_TTL")
	setDuration(&cfg.Execution.LockWait, "STRATCORE_EXECUTION_LOCK_WAIT")
	setDuration(&cfg.Execution.IdempotencyTTL, "STRATCORE_EXECUTION_IDEMPOTENCY_TTL")
	setDuration(&cfg.Execution.MaxPriceAge, "STRATCORE_EXECUTION_MAX_PRICE_AGE")
	setDuration(&cfg.Execution.PollInterval, "STRATCORE_EXECUTION_POLL_INTERVAL")
	setFloat64(&cfg.Execution.SimulatedBalance, "STRATCORE_EXECUTION_SIMULATED_BALANCE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "STRATCORE_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "STRATCORE_ARCHIVE_RETENTION")

	// ── Metrics ──
	setStr(&cfg.Metrics.Addr, "STRATCORE_METRICS_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STRATCORE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STRATCORE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STRATCORE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STRATCORE_NOTIFY_EVENTS")

	// ── General ──
	setStr(&cfg.StrategiesDir, "STRATCORE_STRATEGIES_DIR")
	setStr(&cfg.LogLevel, "STRATCORE_LOG_LEVEL")
}

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
