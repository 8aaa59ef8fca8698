package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/executor"
	"github.com/alanyoungcy/stratcore/internal/service"
	"github.com/alanyoungcy/stratcore/internal/store/memory"
	"github.com/alanyoungcy/stratcore/internal/strategy"
)

const bandYAML = `
name: price-band
timeframe: 1h
entry:
  conditions:
    - indicator: price
      comparator: "<"
      value: 100
exit:
  conditions:
    - indicator: price
      comparator: ">"
      value: 120
sizing:
  type: fixed_quote
  value: 190
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bandStrategy(t *testing.T) domain.Strategy {
	t.Helper()
	s, err := strategy.Parse([]byte(bandYAML), strategy.FormatYAML)
	require.NoError(t, err)
	return s
}

type failingTrades struct {
	*memory.TradeLogStore
	fail bool
}

func (f *failingTrades) Append(ctx context.Context, e domain.TradeLog) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.TradeLogStore.Append(ctx, e)
}

type fixture struct {
	core      *Core
	sessions  *memory.SessionStore
	ledger    *memory.LedgerStore
	trades    *failingTrades
	events    *memory.AuditStore
	killStore *memory.KillSwitchStore
	kill      *service.KillSwitch
	cache     *memory.PriceCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	f := &fixture{
		sessions:  memory.NewSessionStore(),
		ledger:    memory.NewLedgerStore(),
		trades:    &failingTrades{TradeLogStore: memory.NewTradeLogStore()},
		events:    memory.NewAuditStore(),
		killStore: memory.NewKillSwitchStore(),
		cache:     memory.NewPriceCache(),
	}
	require.NoError(t, f.cache.SetPrice(context.Background(), "BTC/USDT", 95, time.Now()))

	f.kill = service.NewKillSwitch(f.killStore, nil, nil, nil, service.KillSwitchConfig{RefreshInterval: time.Hour}, logger)
	risk := service.NewRiskService(f.kill, service.RiskConfig{}, nil, logger)
	fees := service.NewFeeService(service.StaticFeeSource(0.1), service.FeeConfig{}, nil, logger)
	guard := executor.NewIdempotency(time.Hour, nil, logger)

	reg := executor.NewRegistry()
	reg.Register(domain.ModePaper, executor.NewPaperExecutor(f.cache, f.ledger, fees, guard, executor.PaperConfig{}, logger))
	reg.Register(domain.ModeBacktest, executor.NewSimulatedExecutor(map[string]float64{"BTC/USDT": 95}, 0, fees, guard, logger))

	f.core = NewCore(Deps{
		Sessions:  f.sessions,
		Ledger:    f.ledger,
		Configs:   memory.NewStrategyConfigStore(),
		Executors: reg,
		Risk:      risk,
		Audit:     service.NewAuditLogger(f.trades, f.events, nil, logger),

		Idempotency: guard,
	}, Config{}, logger)
	f.core.AttachKillSwitch(f.kill)
	return f
}

func (f *fixture) create(t *testing.T, owner string, limits domain.RiskLimits) domain.TradingSession {
	t.Helper()
	sess, err := f.core.CreateSession(context.Background(), CreateSessionParams{
		OwnerID:        owner,
		Mode:           domain.ModePaper,
		Pair:           "BTC/USDT",
		Strategy:       bandStrategy(t),
		InitialBalance: 1000,
		Limits:         limits,
	})
	require.NoError(t, err)
	return sess
}

func buyOrder(qty float64, key string) domain.OrderRequest {
	return domain.OrderRequest{Pair: "BTC/USDT", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket, Quantity: qty, IdempotencyKey: key}
}

func TestCreateLiveSessionRequiresOptIn(t *testing.T) {
	f := newFixture(t)
	_, err := f.core.CreateSession(context.Background(), CreateSessionParams{
		OwnerID:        "u1",
		Mode:           domain.ModeLive,
		Pair:           "BTC/USDT",
		Strategy:       bandStrategy(t),
		InitialBalance: 1000,
	})
	require.ErrorIs(t, err, domain.ErrLiveOptInRequired)
	assert.Zero(t, f.sessions.Len())
	assert.Zero(t, f.ledger.Writes())
	assert.Empty(t, f.events.Events())
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	strat := bandStrategy(t)
	sess := f.create(t, "u1", domain.RiskLimits{})

	hash, err := strategy.ConfigHash(strat)
	require.NoError(t, err)
	assert.Equal(t, hash, sess.ConfigHash)
	assert.Equal(t, "strat-"+hash[:12], sess.StrategyID)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, "1h", sess.Timeframe)

	restored, err := strategy.Parse(sess.StrategyConfig, strategy.FormatJSON)
	require.NoError(t, err)
	rehash, err := strategy.ConfigHash(restored)
	require.NoError(t, err)
	assert.Equal(t, hash, rehash)

	acct, err := f.ledger.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, acct.Balance, 1e-9)
	assert.Equal(t, "USDT", acct.Quote)

	status, found, err := f.core.GetSessionStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.SessionActive, status)

	_, found, err = f.core.GetSessionStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateSessionConfigErrors(t *testing.T) {
	f := newFixture(t)
	base := CreateSessionParams{OwnerID: "u1", Mode: domain.ModePaper, Pair: "BTC/USDT", Strategy: bandStrategy(t), InitialBalance: 1000}

	p := base
	p.InitialBalance = 0
	_, err := f.core.CreateSession(context.Background(), p)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	p = base
	p.Pair = "BTCUSDT"
	_, err = f.core.CreateSession(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrUnsupportedPair)

	p = base
	p.Timeframe = "7x"
	_, err = f.core.CreateSession(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)

	p = base
	p.Strategy = domain.Strategy{Timeframe: "1h"}
	_, err = f.core.CreateSession(context.Background(), p)
	assert.ErrorAs(t, err, &cfgErr)

	assert.Zero(t, f.sessions.Len())
}

func TestExecuteOrderDuplicateKey(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "u1", domain.RiskLimits{})
	writes := f.ledger.Writes()

	var wg sync.WaitGroup
	results := make([]domain.OrderResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.core.ExecuteOrder(context.Background(), sess.ID, buyOrder(1, "same-key"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, writes+1, f.ledger.Writes())
	assert.Equal(t, 1, f.trades.Len())
	assert.True(t, results[0].Duplicate != results[1].Duplicate)
	assert.Equal(t, results[0].OrderID, results[1].OrderID)

	got, err := f.core.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.OpenPositions)
}

func TestExecuteOrderCounters(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "u1", domain.RiskLimits{})
	ctx := context.Background()

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(2, ""))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.IdempotencyKey)

	got, _ := f.core.Session(ctx, sess.ID)
	assert.Equal(t, 1, got.Counters.OpenPositions)
	assert.InDelta(t, 1000-190-0.19, got.CurrentBalance, 1e-9)

	sell := buyOrder(2, "")
	sell.Side = domain.OrderSideSell
	res, err = f.core.ExecuteOrder(ctx, sess.ID, sell)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	res, err = f.core.ExecuteOrder(ctx, sess.ID, sell)
	require.NoError(t, err)
	assert.False(t, res.Success)

	got, _ = f.core.Session(ctx, sess.ID)
	assert.Equal(t, 0, got.Counters.OpenPositions)
	assert.Equal(t, 2, f.trades.Len())

	logs, err := f.trades.ListBySession(ctx, sess.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, sess.ConfigHash, logs[0].ConfigHash)
	assert.Nil(t, logs[0].ExitPrice)
	require.NotNil(t, logs[1].ExitPrice)
}

func TestExecuteOrderRiskRejection(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "u1", domain.RiskLimits{MaxConcurrentPositions: 1})
	ctx := context.Background()

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "a"))
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "b"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "concurrent positions")

	status, _, _ := f.core.GetSessionStatus(ctx, sess.ID)
	assert.Equal(t, domain.SessionActive, status)
}

func TestAuditFailureIsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "u1", domain.RiskLimits{})
	f.trades.fail = true

	res, err := f.core.ExecuteOrder(context.Background(), sess.ID, buyOrder(1, "k"))
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)
	assert.True(t, res.Success)

	got, _ := f.core.Session(context.Background(), sess.ID)
	assert.Zero(t, got.Counters.OpenPositions)

	var unknown int
	for _, ev := range f.events.Events() {
		if ev.Event == service.EventOrderUnknown {
			unknown++
		}
	}
	assert.Equal(t, 1, unknown)
}

func TestRetryAfterUnknownOutcomeAuditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{MaxConcurrentPositions: 1})

	f.trades.fail = true
	_, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)
	f.trades.fail = false

	// the retry is not blocked by the position its own fill opened
	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, f.trades.Len())

	got, err := f.core.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.OpenPositions)

	acct, err := f.ledger.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1, acct.Holdings["BTC"], 1e-9, "the order filled once")

	// a further retry changes nothing
	res, err = f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, f.trades.Len())
	got, err = f.core.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.OpenPositions)

	var recovered int
	for _, ev := range f.events.Events() {
		if ev.Event == service.EventOrderRecovered {
			recovered++
		}
	}
	assert.Equal(t, 1, recovered)
}

func TestRetryOfFilledOrderSkipsRiskLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{MaxConcurrentPositions: 1})

	first, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	require.True(t, first.Success, first.Error)

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.True(t, res.Duplicate)
	assert.Equal(t, first.OrderID, res.OrderID)

	// a new key is still subject to the limit
	res, err = f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k2"))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSameKeyInTwoSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "u1", domain.RiskLimits{})
	b := f.create(t, "u2", domain.RiskLimits{})

	resA, err := f.core.ExecuteOrder(ctx, a.ID, buyOrder(1, "order-1"))
	require.NoError(t, err)
	resB, err := f.core.ExecuteOrder(ctx, b.ID, buyOrder(1, "order-1"))
	require.NoError(t, err)
	assert.True(t, resB.Success, resB.Error)
	assert.False(t, resB.Duplicate)
	assert.NotEqual(t, resA.OrderID, resB.OrderID)
	assert.Equal(t, 2, f.trades.Len())

	acct, err := f.ledger.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1, acct.Holdings["BTC"], 1e-9)
}

func TestStopSession(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "u1", domain.RiskLimits{})
	ctx := context.Background()

	sctx, cancel := f.core.SessionContext(ctx, sess.ID)
	defer cancel()

	ok, err := f.core.StopSession(ctx, sess.ID, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.core.StopSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-sctx.Done():
		assert.ErrorIs(t, context.Cause(sctx), domain.ErrSessionInactive)
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled")
	}

	ok, err = f.core.StopSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.core.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "stopped is terminal")

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "stopped")
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	sess := f.create(t, "u1", domain.RiskLimits{})
	ctx := context.Background()

	ok, err := f.core.PauseSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "paused")

	ok, err = f.core.StopSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "paused cannot stop directly")

	ok, err = f.core.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err = f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
}

func TestKillSwitchActivationKillsCoveredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.create(t, "u1", domain.RiskLimits{})
	paused := f.create(t, "u1", domain.RiskLimits{})
	other := f.create(t, "u2", domain.RiskLimits{})
	_, err := f.core.PauseSession(ctx, paused.ID, "u1")
	require.NoError(t, err)

	require.NoError(t, f.kill.Activate(ctx, domain.UserScope("u1"), "compromised key", "ops"))

	for _, id := range []string{mine.ID, paused.ID} {
		got, err := f.core.Session(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionKilled, got.Status)
		assert.Contains(t, got.StatusReason, "compromised key")
	}
	status, _, _ := f.core.GetSessionStatus(ctx, other.ID)
	assert.Equal(t, domain.SessionActive, status)

	res, err := f.core.ExecuteOrder(ctx, mine.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "killed")
}

func TestRiskKillSwitchRejectionKillsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{})

	// Flag written by another process; no local listener fires.
	require.NoError(t, f.killStore.SetFlag(ctx, domain.KillSwitchFlag{
		Scope: domain.GlobalScope(), Active: true, Reason: "venue outage", Actor: "ops",
	}))
	f.kill.Reset()

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "venue outage")

	status, _, _ := f.core.GetSessionStatus(ctx, sess.ID)
	assert.Equal(t, domain.SessionKilled, status)
	assert.Zero(t, f.trades.Len())
}

func TestRecordTradeOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{CooldownAfterLossStreak: 2})

	require.NoError(t, f.core.RecordTradeOutcome(ctx, sess.ID, -10, false))
	require.NoError(t, f.core.RecordTradeOutcome(ctx, sess.ID, -10, false))

	got, _ := f.core.Session(ctx, sess.ID)
	assert.Equal(t, 2, got.Counters.TradesToday)
	assert.Equal(t, 2, got.Counters.ConsecutiveLosses)
	require.NotNil(t, got.Counters.CooldownUntil)

	res, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "k"))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "cooldown")
}
