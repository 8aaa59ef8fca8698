package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
log_level = "debug"
strategies_dir = "testdata/strategies"

[venue]
base_url = "https://venue.test"
api_key = "key"
api_secret = "c2VjcmV0"

[feed]
enabled = true
ws_url = "wss://venue.test/ws"
pairs = ["BTC/USDT"]

[risk]
loss_streak_cooldown = "45m"

[execution]
poll_interval = "15s"

[[sessions]]
id = "s1"
owner = "alice"
mode = "paper"
pair = "BTC/USDT"
timeframe = "1h"
strategy = "rsi_dip"
initial_balance = 1000

[sessions.limits]
max_trades_per_day = 5
max_daily_loss_percent = 3.5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.7, cfg.Decision.ConfirmationBypass)
	assert.Equal(t, 30*time.Minute, cfg.Risk.LossStreakCooldown.Duration)
}

func TestLoadFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://venue.test", cfg.Venue.BaseURL)
	assert.Equal(t, 45*time.Minute, cfg.Risk.LossStreakCooldown.Duration)
	assert.Equal(t, 15*time.Second, cfg.Execution.PollInterval.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Execution.Timeout.Duration)
	assert.Equal(t, 10.0, cfg.Venue.RequestsPerSecond)

	require.Len(t, cfg.Sessions, 1)
	s := cfg.Sessions[0]
	assert.Equal(t, "alice", s.Owner)
	assert.Equal(t, 5, s.Limits.MaxTradesPerDay)
	assert.Equal(t, 3.5, s.Limits.MaxDailyLossPercent)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STRATCORE_LOG_LEVEL", "warn")
	t.Setenv("STRATCORE_VENUE_API_SECRET", "from-env")
	t.Setenv("STRATCORE_FEES_TTL", "90s")
	t.Setenv("STRATCORE_RISK_SUPPORTED_PAIRS", "BTC/USDT, SOL/USDT ,")
	t.Setenv("STRATCORE_REDIS_POOL_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.Venue.APISecret)
	assert.Equal(t, 90*time.Second, cfg.Fees.TTL.Duration)
	assert.Equal(t, []string{"BTC/USDT", "SOL/USDT"}, cfg.Risk.SupportedPairs)
	assert.Equal(t, 20, cfg.Redis.PoolSize, "unparsable values are ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Decision.ConfirmationBypass = 1.5
	cfg.S3.Enabled = true
	cfg.Sessions = []SessionConfig{
		{ID: "a", Owner: "u", Mode: "live", Pair: "BTC/USDT", Strategy: "x", InitialBalance: 100},
		{ID: "a", Mode: "margin"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown log_level "verbose"`,
		"confirmation_bypass must be within [0,1]",
		"s3: archiving requires postgres.enabled",
		"sessions[0]: live sessions require live_opt_in = true",
		"sessions[0]: live sessions require venue.api_key",
		`sessions[1]: unknown mode "margin"`,
		"sessions[1]: owner must not be empty",
		"sessions[1]: initial_balance must be > 0",
		`sessions[1]: duplicate id "a"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPaperSessionNeedsFeed(t *testing.T) {
	cfg := Defaults()
	cfg.Sessions = []SessionConfig{{Owner: "u", Mode: "paper", Pair: "BTC/USDT", Strategy: "x", InitialBalance: 10}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paper sessions require feed.enabled")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Venue.APIKey = "key"
	cfg.Venue.APISecret = "secret"
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"
	cfg.Notify.Events = []string{"kill_switch"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Venue.APIKey)
	assert.Equal(t, "***", out.Venue.APISecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Venue.Passphrase, "empty secrets stay empty")

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "kill_switch", cfg.Notify.Events[0])
	assert.Equal(t, "secret", cfg.Venue.APISecret)
}
