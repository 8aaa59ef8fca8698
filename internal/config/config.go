// Package config defines the top-level configuration for stratcore and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STRATCORE_* environment variables.
type Config struct {
	Postgres      PostgresConfig  `toml:"postgres"`
	Redis         RedisConfig     `toml:"redis"`
	S3            S3Config        `toml:"s3"`
	Venue         VenueConfig     `toml:"venue"`
	Feed          FeedConfig      `toml:"feed"`
	Decision      DecisionConfig  `toml:"decision"`
	Risk          RiskConfig      `toml:"risk"`
	Fees          FeesConfig      `toml:"fees"`
	Execution     ExecutionConfig `toml:"execution"`
	Archive       ArchiveConfig   `toml:"archive"`
	Metrics       MetricsConfig   `toml:"metrics"`
	Notify        NotifyConfig    `toml:"notify"`
	StrategiesDir string          `toml:"strategies_dir"`
	Sessions      []SessionConfig `toml:"sessions"`
	LogLevel      string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters. Postgres is used
// only when Enabled; otherwise every store is in-process.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the trade log
// archive.
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

// VenueConfig holds the exchange REST endpoint and API credentials. The
// secret comes either from APISecret or from an encrypted file.
type VenueConfig struct {
	Name                string   `toml:"name"`
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	Passphrase          string   `toml:"passphrase"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RequestsPerSecond   float64  `toml:"requests_per_second"`
	Burst               int      `toml:"burst"`
	Timeout             duration `toml:"timeout"`
}

// HasCredentials reports whether any credential source is configured.
func (v VenueConfig) HasCredentials() bool {
	return v.APIKey != "" && (v.APISecret != "" || v.EncryptedSecretPath != "")
}

// FeedConfig controls the WebSocket ticker feed.
type FeedConfig struct {
	Enabled bool     `toml:"enabled"`
	WSURL   string   `toml:"ws_url"`
	Pairs   []string `toml:"pairs"`
	// ExtraBars are fetched beyond an indicator's lookback for warm-up.
	ExtraBars int `toml:"extra_bars"`
	// MaxStaleBars rejects candle series whose newest bar is older than this
	// many bars.
	MaxStaleBars int `toml:"max_stale_bars"`
	Workers      int `toml:"workers"`
}

// DecisionConfig tunes the decision engine.
type DecisionConfig struct {
	ConfirmationBypass float64  `toml:"confirmation_bypass"`
	EvaluationTimeout  duration `toml:"evaluation_timeout"`
	MinLookback        int      `toml:"min_lookback"`
	RecentLimit        int      `toml:"recent_limit"`
}

// RiskConfig holds platform-wide risk parameters.
type RiskConfig struct {
	LossStreakCooldown duration `toml:"loss_streak_cooldown"`
	SupportedPairs     []string `toml:"supported_pairs"`
	KillSwitchRefresh  duration `toml:"kill_switch_refresh"`
}

// FeesConfig controls the fee percentage cache.
type FeesConfig struct {
	DefaultPercent float64  `toml:"default_percent"`
	TTL            duration `toml:"ttl"`
}

// ExecutionConfig tunes the execution core and executors.
type ExecutionConfig struct {
	Timeout          duration `toml:"timeout"`
	LockTTL          duration `toml:"lock_ttl"`
	LockWait         duration `toml:"lock_wait"`
	IdempotencyTTL   duration `toml:"idempotency_ttl"`
	MaxPriceAge      duration `toml:"max_price_age"`
	PollInterval     duration `toml:"poll_interval"`
	SimulatedBalance float64  `toml:"simulated_balance"`
}

// ArchiveConfig controls trade log archiving to S3.
type ArchiveConfig struct {
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// SessionConfig declares a session started by "stratcore run". Strategy
// names a document in StrategiesDir (file name without extension).
type SessionConfig struct {
	ID             string            `toml:"id"`
	Owner          string            `toml:"owner"`
	Bot            string            `toml:"bot"`
	Mode           string            `toml:"mode"`
	Pair           string            `toml:"pair"`
	Timeframe      string            `toml:"timeframe"`
	Strategy       string            `toml:"strategy"`
	InitialBalance float64           `toml:"initial_balance"`
	LiveOptIn      bool              `toml:"live_opt_in"`
	Limits         domain.RiskLimits `toml:"limits"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stratcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "stratcore",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stratcore-archive",
			ForcePathStyle: true,
		},
		Venue: VenueConfig{
			Name:              "venue",
			BaseURL:           "https://api.example-exchange.com",
			RequestsPerSecond: 10,
			Burst:             1,
			Timeout:           duration{10 * time.Second},
		},
		Feed: FeedConfig{
			ExtraBars:    50,
			MaxStaleBars: 2,
			Workers:      4,
		},
		Decision: DecisionConfig{
			ConfirmationBypass: 0.7,
			EvaluationTimeout:  duration{10 * time.Second},
			MinLookback:        100,
			RecentLimit:        100,
		},
		Risk: RiskConfig{
			LossStreakCooldown: duration{30 * time.Minute},
			SupportedPairs:     []string{"BTC/USDT", "ETH/USDT"},
			KillSwitchRefresh:  duration{5 * time.Second},
		},
		Fees: FeesConfig{
			DefaultPercent: 0.1,
			TTL:            duration{5 * time.Minute},
		},
		Execution: ExecutionConfig{
			Timeout:          duration{30 * time.Second},
			LockTTL:          duration{30 * time.Second},
			LockWait:         duration{5 * time.Second},
			IdempotencyTTL:   duration{time.Hour},
			MaxPriceAge:      duration{time.Minute},
			SimulatedBalance: 10000,
		},
		Archive: ArchiveConfig{
			Interval:  duration{24 * time.Hour},
			Retention: duration{90 * 24 * time.Hour},
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
		Notify: NotifyConfig{
			Events: []string{"kill_switch", "session_killed", "data_integrity", "audit_failure"},
		},
		StrategiesDir: "strategies",
		LogLevel:      "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
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
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres.enabled")
		}
	}

	if c.Venue.BaseURL == "" {
		errs = append(errs, "venue: base_url must not be empty")
	}
	if c.Venue.RequestsPerSecond < 0 {
		errs = append(errs, "venue: requests_per_second must be >= 0")
	}
	if c.Venue.EncryptedSecretPath != "" && c.Venue.SecretPassword == "" {
		errs = append(errs, "venue: secret_password is required when encrypted_secret_path is set")
	}

	if c.Feed.Enabled && c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when enabled")
	}

	if c.Decision.ConfirmationBypass < 0 || c.Decision.ConfirmationBypass > 1 {
		errs = append(errs, fmt.Sprintf("decision: confirmation_bypass must be within [0,1], got %v", c.Decision.ConfirmationBypass))
	}
	if c.Fees.DefaultPercent < 0 {
		errs = append(errs, "fees: default_percent must be >= 0")
	}
	if c.Risk.LossStreakCooldown.Duration < 0 {
		errs = append(errs, "risk: loss_streak_cooldown must be >= 0")
	}

	seen := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		errs = append(errs, s.validate(i, c)...)
		if s.ID != "" {
			if seen[s.ID] {
				errs = append(errs, fmt.Sprintf("sessions[%d]: duplicate id %q", i, s.ID))
			}
			seen[s.ID] = true
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (s SessionConfig) validate(i int, c *Config) []string {
	var errs []string
	prefix := fmt.Sprintf("sessions[%d]", i)
	mode := domain.Mode(strings.ToLower(s.Mode))
	if !mode.Valid() {
		errs = append(errs, fmt.Sprintf("%s: unknown mode %q (valid: backtest, paper, live)", prefix, s.Mode))
	}
	if s.Owner == "" {
		errs = append(errs, prefix+": owner must not be empty")
	}
	if s.Pair == "" {
		errs = append(errs, prefix+": pair must not be empty")
	}
	if s.Strategy == "" {
		errs = append(errs, prefix+": strategy must not be empty")
	}
	if s.InitialBalance <= 0 {
		errs = append(errs, prefix+": initial_balance must be > 0")
	}
	if mode == domain.ModeLive {
		if !s.LiveOptIn {
			errs = append(errs, prefix+": live sessions require live_opt_in = true")
		}
		if !c.Venue.HasCredentials() {
			errs = append(errs, prefix+": live sessions require venue.api_key and a secret source")
		}
	}
	if mode == domain.ModePaper && !c.Feed.Enabled {
		errs = append(errs, prefix+": paper sessions require feed.enabled for live prices")
	}
	return errs
}
