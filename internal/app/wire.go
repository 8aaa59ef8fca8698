package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/stratcore/internal/blob/s3"
	"github.com/alanyoungcy/stratcore/internal/cache/redis"
	"github.com/alanyoungcy/stratcore/internal/config"
	"github.com/alanyoungcy/stratcore/internal/crypto"
	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/execution"
	"github.com/alanyoungcy/stratcore/internal/executor"
	"github.com/alanyoungcy/stratcore/internal/feed"
	"github.com/alanyoungcy/stratcore/internal/marketdata"
	"github.com/alanyoungcy/stratcore/internal/metrics"
	"github.com/alanyoungcy/stratcore/internal/notify"
	"github.com/alanyoungcy/stratcore/internal/platform/venue"
	"github.com/alanyoungcy/stratcore/internal/service"
	"github.com/alanyoungcy/stratcore/internal/store/memory"
	"github.com/alanyoungcy/stratcore/internal/store/postgres"
	"github.com/alanyoungcy/stratcore/internal/strategy"
)

// Dependencies bundles everything the run loop needs. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Sessions        domain.SessionStore
	Ledger          domain.LedgerStore
	TradeLogs       domain.TradeLogStore
	KillSwitchStore domain.KillSwitchStore
	StrategyConfigs domain.StrategyConfigStore
	Settings        domain.SettingsStore
	Audit           domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Idempotency domain.IdempotencyStore

	// Set only when S3 and Postgres are both enabled.
	Archiver *s3blob.TradeLogArchiver

	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Notifier   *notify.Notifier
	Venue      *venue.Client
	Feed       *feed.TickerFeed
	Strategies *strategy.Registry

	KillSwitch *service.KillSwitch
	Risk       *service.RiskService
	Fees       *service.FeeService
	AuditLog   *service.AuditLogger

	Guard     *executor.Idempotency
	Simulated *executor.SimulatedExecutor
	Engine    *strategy.Engine
	Core      *execution.Core
	Runner    *execution.Runner

	// Persistent is false when every store lives in this process.
	Persistent bool
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{}

	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = metrics.New(deps.Registry)

	// --- PostgreSQL, or in-process stores ---
	var pg *postgres.Client
	if cfg.Postgres.Enabled {
		var err error
		pg, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		st := pg.Stores()
		deps.Sessions = st.Sessions
		deps.Ledger = st.Ledger
		deps.TradeLogs = st.TradeLogs
		deps.KillSwitchStore = st.KillSwitch
		deps.StrategyConfigs = st.StrategyConfigs
		deps.Settings = st.Settings
		deps.Audit = st.Audit
		deps.Persistent = true
	} else {
		deps.Sessions = memory.NewSessionStore()
		deps.Ledger = memory.NewLedgerStore()
		deps.TradeLogs = memory.NewTradeLogStore()
		deps.KillSwitchStore = memory.NewKillSwitchStore()
		deps.StrategyConfigs = memory.NewStrategyConfigStore()
		deps.Settings = memory.NewSettingsStore()
		deps.Audit = memory.NewAuditStore()
		logger.Warn("postgres disabled; sessions, ledgers and the trade log are kept in memory")
	}

	// --- Redis, or in-process caches ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Idempotency = redis.NewIdempotencyStore(rc)
	} else {
		deps.PriceCache = memory.NewPriceCache()
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- S3 trade log archive ---
	if cfg.S3.Enabled && pg != nil {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := sc.Ping(ctx); err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(sc, deps.TradeLogs, deps.Audit, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Venue ---
	var auth *crypto.HMACAuth
	if cfg.Venue.HasCredentials() {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:     cfg.Venue.APISecret,
			EncryptedPath: cfg.Venue.EncryptedSecretPath,
			Password:      cfg.Venue.SecretPassword,
		})
		if err != nil {
			return fail("venue secret", err)
		}
		auth = &crypto.HMACAuth{Key: cfg.Venue.APIKey, Secret: secret, Passphrase: cfg.Venue.Passphrase}
	}
	deps.Venue = venue.NewClient(venue.Config{
		Name:              cfg.Venue.Name,
		BaseURL:           cfg.Venue.BaseURL,
		Timeout:           cfg.Venue.Timeout.Duration,
		RequestsPerSecond: cfg.Venue.RequestsPerSecond,
		Burst:             cfg.Venue.Burst,
	}, auth, deps.Metrics, logger)

	if cfg.Feed.Enabled {
		deps.Feed = feed.NewTickerFeed(cfg.Feed.WSURL, feedPairs(cfg), deps.PriceCache, deps.Metrics, logger)
	}

	// --- Decision engine ---
	provider := marketdata.NewProvider(deps.Venue, marketdata.Config{
		ExtraBars:    cfg.Feed.ExtraBars,
		MaxStaleBars: cfg.Feed.MaxStaleBars,
		Workers:      cfg.Feed.Workers,
	}, logger)
	deps.Engine = strategy.NewEngine(provider, strategy.EngineConfig{
		ConfirmationBypass: cfg.Decision.ConfirmationBypass,
		EvaluationTimeout:  cfg.Decision.EvaluationTimeout.Duration,
		MinLookback:        cfg.Decision.MinLookback,
		RecentLimit:        cfg.Decision.RecentLimit,
	}, deps.Metrics, logger)
	deps.Strategies = strategy.NewRegistry()

	// --- Services ---
	deps.KillSwitch = service.NewKillSwitch(deps.KillSwitchStore, deps.SignalBus, deps.Notifier, deps.Metrics,
		service.KillSwitchConfig{RefreshInterval: cfg.Risk.KillSwitchRefresh.Duration}, logger)
	deps.Risk = service.NewRiskService(deps.KillSwitch, service.RiskConfig{
		LossStreakCooldown: cfg.Risk.LossStreakCooldown.Duration,
		SupportedPairs:     cfg.Risk.SupportedPairs,
	}, deps.Metrics, logger)
	deps.Fees = service.NewFeeService(service.SettingsFeeSource{Settings: deps.Settings}, service.FeeConfig{
		DefaultPercent: cfg.Fees.DefaultPercent,
		TTL:            cfg.Fees.TTL.Duration,
	}, deps.Metrics, logger)
	deps.AuditLog = service.NewAuditLogger(deps.TradeLogs, deps.Audit, deps.SignalBus, logger)

	// --- Executors ---
	deps.Guard = executor.NewIdempotency(cfg.Execution.IdempotencyTTL.Duration, deps.Idempotency, logger)
	deps.Simulated = executor.NewSimulatedExecutor(nil, cfg.Execution.SimulatedBalance, deps.Fees, deps.Guard, logger)
	executors := executor.NewRegistry()
	executors.Register(domain.ModeBacktest, deps.Simulated)
	executors.Register(domain.ModePaper, executor.NewPaperExecutor(deps.PriceCache, deps.Ledger, deps.Fees, deps.Guard,
		executor.PaperConfig{MaxPriceAge: cfg.Execution.MaxPriceAge.Duration}, logger))
	if auth != nil {
		executors.Register(domain.ModeLive, executor.NewLiveExecutor(deps.Venue, deps.Fees, deps.Guard, logger))
	}
	if deps.Feed != nil {
		deps.Feed.OnTicker = func(pair string, price float64, _ time.Time) {
			deps.Simulated.SetPrice(pair, price)
		}
	}

	// --- Execution core ---
	deps.Core = execution.NewCore(execution.Deps{
		Sessions:    deps.Sessions,
		Ledger:      deps.Ledger,
		Configs:     deps.StrategyConfigs,
		Executors:   executors,
		Risk:        deps.Risk,
		Audit:       deps.AuditLog,
		Locks:       deps.LockManager,
		Bus:         deps.SignalBus,
		Notifier:    deps.Notifier,
		Metrics:     deps.Metrics,
		Idempotency: deps.Guard,
	}, execution.Config{
		ExecutionTimeout: cfg.Execution.Timeout.Duration,
		LockTTL:          cfg.Execution.LockTTL.Duration,
		LockWait:         cfg.Execution.LockWait.Duration,
	}, logger)
	deps.Core.AttachKillSwitch(deps.KillSwitch)
	deps.Runner = execution.NewRunner(deps.Core, deps.Engine, execution.RunnerConfig{
		PollInterval: cfg.Execution.PollInterval.Duration,
	}, logger)

	return deps, cleanup, nil
}

// feedPairs is the configured pair list, or the pairs of every configured
// session when none is given.
func feedPairs(cfg *config.Config) []string {
	if len(cfg.Feed.Pairs) > 0 {
		return cfg.Feed.Pairs
	}
	seen := make(map[string]bool)
	var pairs []string
	for _, s := range cfg.Sessions {
		p := domain.NormalizePair(s.Pair)
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	return pairs
}
