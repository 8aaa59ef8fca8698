package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
)

type fakeProvider struct {
	mu     sync.Mutex
	values domain.IndicatorValues
	source domain.CandleSource
	price  float64
	err    error
	delay  time.Duration
	calls  []domain.IndicatorRequest
}

func (f *fakeProvider) IndicatorValues(ctx context.Context, req domain.IndicatorRequest) (domain.IndicatorResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.IndicatorResponse{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return domain.IndicatorResponse{}, f.err
	}
	out := domain.IndicatorValues{}
	for _, r := range req.References {
		if s, ok := f.values[r.SeriesKey()]; ok {
			out[r.SeriesKey()] = s
		}
	}
	return domain.IndicatorResponse{Values: out, Source: f.source, Price: f.price, AsOf: time.Now()}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(p domain.MarketDataProvider, cfg EngineConfig) *Engine {
	return NewEngine(p, cfg, metrics.New(prometheus.NewRegistry()), testLogger())
}

var liveSource = domain.CandleSource{Venue: "testex", Live: true, Verified: true}

// scenarioStrategy: entry RSI(14) < 30 AND EMA(9) crosses_above EMA(21);
// exit RSI(14) > 70.
func scenarioStrategy() domain.Strategy {
	return domain.Strategy{
		ID:        "stg-1",
		Name:      "rsi-ema",
		Timeframe: "1h",
		Entry: domain.ConditionGroup{Operator: domain.OpAnd, Children: []domain.Node{
			cond(rsi14, domain.CompLess, domain.Literal(30)),
			cond(ema9, domain.CompCrossesAbove, domain.Ref(ema21)),
		}},
		Exit: domain.ConditionGroup{Operator: domain.OpOr, Children: []domain.Node{
			cond(rsi14, domain.CompGreater, domain.Literal(70)),
		}},
	}
}

func TestScenarioEntrySignal(t *testing.T) {
	p := &fakeProvider{
		source: liveSource,
		price:  101.5,
		values: valuesOf(map[*domain.IndicatorReference][]float64{
			&rsi14: {35, 25},
			&ema9:  {10, 12},
			&ema21: {11, 11.5},
		}),
	}
	e := newTestEngine(p, EngineConfig{})

	sig, ev, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1",
		Position: domain.PositionNone, Mode: domain.ModePaper, OwnerID: "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalEntry, sig.Kind)
	assert.Equal(t, domain.OrderSideBuy, sig.Side)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
	assert.Equal(t, 101.5, sig.Price)
	assert.Equal(t, "s1", sig.SessionID)
	assert.Equal(t, "stg-1", sig.StrategyID)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, 25.0, sig.Snapshot[rsi14.Key()])
	assert.Len(t, sig.Snapshot, 3)
	assert.Len(t, sig.Trace.Children, 2)
	assert.NotEmpty(t, sig.TriggerReason)
	assert.False(t, sig.Executed)

	assert.Equal(t, domain.SignalEntry, ev.Phase)
	assert.True(t, ev.Satisfied)

	// three distinct references on one timeframe: one provider call
	require.Len(t, p.calls, 1)
	assert.Len(t, p.calls[0].References, 3)
	assert.GreaterOrEqual(t, p.calls[0].Lookback, 2)
}

func TestScenarioExitSignalForLongPosition(t *testing.T) {
	p := &fakeProvider{
		source: liveSource,
		values: valuesOf(map[*domain.IndicatorReference][]float64{
			&rsi14: {68, 72},
			&ema9:  {10, 12},
			&ema21: {11, 11.5},
		}),
	}
	e := newTestEngine(p, EngineConfig{})

	sig, ev, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1",
		Position: domain.PositionLong, Mode: domain.ModeLive, OwnerID: "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalExit, sig.Kind)
	assert.Equal(t, domain.OrderSideSell, sig.Side)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
	assert.Equal(t, domain.SignalExit, ev.Phase)

	sig, _, err = e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s2",
		Position: domain.PositionShort, Mode: domain.ModeLive, OwnerID: "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OrderSideBuy, sig.Side)
}

func TestHeldPositionSkipsEntryRules(t *testing.T) {
	p := &fakeProvider{
		source: liveSource,
		values: valuesOf(map[*domain.IndicatorReference][]float64{
			&rsi14: {35, 25},
			&ema9:  {10, 12},
			&ema21: {11, 11.5},
		}),
	}
	e := newTestEngine(p, EngineConfig{})
	sig, ev, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1",
		Position: domain.PositionLong, Mode: domain.ModePaper,
	})
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, domain.SignalExit, ev.Phase)
}

func TestConfirmationPolicy(t *testing.T) {
	macdHist := domain.NewIndicatorReference(domain.IndicatorMACD, nil, "4h", "histogram", 0)
	vals := valuesOf(map[*domain.IndicatorReference][]float64{
		&rsi14:    {35, 25},
		&ema9:     {10, 12},
		&ema21:    {11, 11.5},
		&macdHist: {-1, -0.5},
	})
	withConfirmation := func(threshold float64) domain.Strategy {
		s := scenarioStrategy()
		s.ConfirmationTimeframes = []string{"4h"}
		s.Confirmation = &domain.ConditionGroup{Operator: domain.OpAnd, Children: []domain.Node{
			cond(macdHist, domain.CompGreater, domain.Literal(threshold)),
		}}
		return s
	}
	params := func(s domain.Strategy) EvaluateParams {
		return EvaluateParams{Strategy: s, Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModePaper}
	}

	t.Run("confirmation passes", func(t *testing.T) {
		p := &fakeProvider{source: liveSource, values: vals}
		e := newTestEngine(p, EngineConfig{})
		sig, ev, err := e.EvaluateStrategy(context.Background(), params(withConfirmation(-1)))
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
		require.NotNil(t, ev.Confirmed)
		assert.True(t, *ev.Confirmed)
		assert.Len(t, p.calls, 2, "one call per timeframe")
	})

	t.Run("confirmation fails and halved confidence is below bypass", func(t *testing.T) {
		e := newTestEngine(&fakeProvider{source: liveSource, values: vals}, EngineConfig{})
		sig, ev, err := e.EvaluateStrategy(context.Background(), params(withConfirmation(0)))
		require.NoError(t, err)
		assert.Nil(t, sig)
		assert.InDelta(t, 0.5, ev.Confidence, 1e-9)
	})

	t.Run("bypass threshold is configurable", func(t *testing.T) {
		e := newTestEngine(&fakeProvider{source: liveSource, values: vals}, EngineConfig{ConfirmationBypass: 0.5})
		sig, _, err := e.EvaluateStrategy(context.Background(), params(withConfirmation(0)))
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.InDelta(t, 0.5, sig.Confidence, 1e-9)
		assert.Contains(t, sig.TriggerReason, "bypassed")
	})
}

func TestLiveModeRejectsUnverifiedSource(t *testing.T) {
	p := &fakeProvider{
		source: domain.CandleSource{Venue: "synthetic", Live: false, Verified: false},
		values: valuesOf(map[*domain.IndicatorReference][]float64{&rsi14: {35, 25}, &ema9: {10, 12}, &ema21: {11, 11.5}}),
	}
	e := newTestEngine(p, EngineConfig{})

	sig, _, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModeLive,
	})
	assert.Nil(t, sig)
	var die *domain.DataIntegrityError
	require.True(t, errors.As(err, &die))
	assert.Contains(t, die.Reason, "synthetic")

	// the same source is acceptable for paper trading
	sig, _, err = e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModePaper,
	})
	require.NoError(t, err)
	assert.NotNil(t, sig)
}

func TestProviderDataIntegrityErrorSurfacesVerbatim(t *testing.T) {
	want := &domain.DataIntegrityError{Pair: "BTC/USDT", Mode: domain.ModeLive, Reason: "exchange candles unavailable"}
	e := newTestEngine(&fakeProvider{err: want}, EngineConfig{})

	sig, _, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModeLive,
	})
	assert.Nil(t, sig)
	assert.Same(t, want, err)
}

func TestFetchTimeoutIsDataIntegrityError(t *testing.T) {
	e := newTestEngine(&fakeProvider{delay: time.Second}, EngineConfig{EvaluationTimeout: 20 * time.Millisecond})

	sig, _, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModePaper,
	})
	assert.Nil(t, sig)
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestCancelledContextAbandonsEvaluation(t *testing.T) {
	e := newTestEngine(&fakeProvider{delay: time.Second}, EngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sig, _, err := e.EvaluateStrategy(ctx, EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModePaper,
	})
	assert.Nil(t, sig)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCooldownStartsAtTrade(t *testing.T) {
	p := &fakeProvider{
		source: liveSource,
		values: valuesOf(map[*domain.IndicatorReference][]float64{&rsi14: {35, 25}, &ema9: {10, 12}, &ema21: {11, 11.5}}),
	}
	e := newTestEngine(p, EngineConfig{})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	assert.False(t, e.CheckCooldown("s1", time.Hour), "no trade yet")

	sig, _, err := e.EvaluateStrategy(context.Background(), EvaluateParams{
		Strategy: scenarioStrategy(), Pair: "BTC/USDT", SessionID: "s1", Mode: domain.ModePaper,
	})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.False(t, e.CheckCooldown("s1", time.Hour), "a signal alone does not start the cooldown")

	e.NoteTrade("s1", now)
	assert.True(t, e.CheckCooldown("s1", time.Hour))
	assert.False(t, e.CheckCooldown("s1", 0))
	assert.False(t, e.CheckCooldown("s2", time.Hour))

	now = now.Add(61 * time.Minute)
	assert.False(t, e.CheckCooldown("s1", time.Hour))

	e.NoteTrade("s3", now.Add(-10*time.Minute))
	e.NoteTrade("s3", now.Add(-40*time.Minute))
	assert.True(t, e.CheckCooldown("s3", 30*time.Minute), "older times do not rewind")
	e.ForgetSession("s3")
	assert.False(t, e.CheckCooldown("s3", 30*time.Minute))

	recent := e.RecentSignals(10)
	require.Len(t, recent, 1)
	assert.Equal(t, sig.ID, recent[0].ID)
}
