package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/notify"
	"github.com/alanyoungcy/stratcore/internal/strategy"
)

// closeProvider serves the same close series for every price reference.
type closeProvider struct {
	mu     sync.Mutex
	closes []float64
}

func (p *closeProvider) set(closes ...float64) {
	p.mu.Lock()
	p.closes = closes
	p.mu.Unlock()
}

func (p *closeProvider) IndicatorValues(_ context.Context, req domain.IndicatorRequest) (domain.IndicatorResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	values := domain.IndicatorValues{}
	for _, r := range req.References {
		if r.Kind == domain.IndicatorPrice {
			values.Set(r, append([]float64(nil), p.closes...))
		}
	}
	return domain.IndicatorResponse{
		Values: values,
		Source: domain.CandleSource{Venue: "test"},
		Price:  p.closes[len(p.closes)-1],
		AsOf:   time.Now(),
	}, nil
}

func TestOrderQuantity(t *testing.T) {
	tests := []struct {
		name    string
		policy  domain.SizingPolicy
		price   float64
		balance float64
		want    float64
		wantErr bool
	}{
		{"fixed quote", domain.SizingPolicy{Type: domain.SizingFixedQuote, Value: 190}, 95, 0, 2, false},
		{"fixed base", domain.SizingPolicy{Type: domain.SizingFixedBase, Value: 0.5}, 0, 0, 0.5, false},
		{"percent balance", domain.SizingPolicy{Type: domain.SizingPercentBalance, Value: 10}, 50, 1000, 2, false},
		{"rounds down", domain.SizingPolicy{Type: domain.SizingFixedQuote, Value: 100}, 3, 0, 33.33333333, false},
		{"no price", domain.SizingPolicy{Type: domain.SizingFixedQuote, Value: 100}, 0, 0, 0, true},
		{"zero value", domain.SizingPolicy{Type: domain.SizingFixedBase}, 10, 0, 0, true},
		{"dust", domain.SizingPolicy{Type: domain.SizingFixedQuote, Value: 1e-9}, 1e6, 0, 0, true},
		{"unknown", domain.SizingPolicy{Type: "martingale", Value: 1}, 10, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OrderQuantity(tt.policy, tt.price, tt.balance)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestRunnerEntryThenExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{})

	provider := &closeProvider{}
	engine := strategy.NewEngine(provider, strategy.DefaultEngineConfig(), nil, testLogger())
	r := NewRunner(f.core, engine, RunnerConfig{}, testLogger())

	strat, err := strategy.Parse(sess.StrategyConfig, strategy.FormatJSON)
	require.NoError(t, err)
	st := &sessionState{sess: sess, strat: strat}

	// Price above the entry band: nothing happens.
	provider.set(110, 105)
	done, err := r.step(ctx, st)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, st.position.Flat())

	provider.set(110, 95)
	done, err = r.step(ctx, st)
	require.NoError(t, err)
	assert.False(t, done)
	require.False(t, st.position.Flat())
	assert.InDelta(t, 2, st.position.Quantity, 1e-9)
	assert.InDelta(t, 95, st.position.EntryPrice, 1e-9)

	require.NoError(t, f.cache.SetPrice(ctx, "BTC/USDT", 125, time.Now()))
	provider.set(95, 125)
	done, err = r.step(ctx, st)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, st.position.Flat())

	got, err := f.core.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.TradesToday)
	assert.Equal(t, 0, got.Counters.OpenPositions)
	// (125-95)*2 less 0.1% fees on 190 and 250.
	assert.InDelta(t, 59.56, got.Counters.DailyPnL, 1e-9)
	assert.Zero(t, got.Counters.ConsecutiveLosses)
	require.NotNil(t, got.LastDecisionAt)
	assert.Equal(t, 2, f.trades.Len())
}

func TestRunnerRejectedOrderDoesNotStartCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{MaxConcurrentPositions: 1})

	// fill the only position slot outside the runner
	_, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "seed"))
	require.NoError(t, err)

	provider := &closeProvider{}
	provider.set(110, 95)
	engine := strategy.NewEngine(provider, strategy.DefaultEngineConfig(), nil, testLogger())
	r := NewRunner(f.core, engine, RunnerConfig{}, testLogger())

	strat, err := strategy.Parse(sess.StrategyConfig, strategy.FormatJSON)
	require.NoError(t, err)
	st := &sessionState{sess: sess, strat: strat}

	done, err := r.step(ctx, st)
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, st.position.Flat())
	assert.Len(t, engine.RecentSignals(10), 1, "entry signal was emitted")
	assert.False(t, engine.CheckCooldown(sess.ID, time.Hour))

	got, err := f.core.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastDecisionAt)
	assert.Equal(t, 1, f.trades.Len())
}

func TestRunnerMaxHoldForcesExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{})

	provider := &closeProvider{}
	provider.set(110, 105)
	engine := strategy.NewEngine(provider, strategy.DefaultEngineConfig(), nil, testLogger())
	r := NewRunner(f.core, engine, RunnerConfig{}, testLogger())

	_, err := f.core.ExecuteOrder(ctx, sess.ID, buyOrder(1, "seed"))
	require.NoError(t, err)

	strat, err := strategy.Parse(sess.StrategyConfig, strategy.FormatJSON)
	require.NoError(t, err)
	strat.MaxHold = time.Hour
	st := &sessionState{sess: sess, strat: strat, position: &domain.Position{
		SessionID: sess.ID, Pair: sess.Pair, Side: domain.PositionLong,
		EntryPrice: 95, Quantity: 1, OpenedAt: time.Now().Add(-2 * time.Hour),
	}}

	_, err = r.step(ctx, st)
	require.NoError(t, err)
	assert.True(t, st.position.Flat())
	assert.Equal(t, 2, f.trades.Len())
}

func TestRunnerStopsWithSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.create(t, "u1", domain.RiskLimits{})

	provider := &closeProvider{}
	provider.set(110, 105)
	engine := strategy.NewEngine(provider, strategy.DefaultEngineConfig(), nil, testLogger())
	r := NewRunner(f.core, engine, RunnerConfig{PollInterval: 10 * time.Millisecond}, testLogger())

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx, sess.ID) }()

	time.Sleep(30 * time.Millisecond)
	ok, err := f.core.StopSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit")
	}
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *alertRecorder) Send(_ context.Context, al notify.Alert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
	return nil
}

func (a *alertRecorder) Name() string { return "recorder" }

func TestRunnerAlertsDataIntegrityOncePerReason(t *testing.T) {
	f := newFixture(t)
	rec := &alertRecorder{}
	f.core.notifier = notify.NewNotifier([]notify.Sender{rec}, nil, testLogger())
	r := NewRunner(f.core, nil, RunnerConfig{}, testLogger())
	st := &sessionState{sess: f.create(t, "u1", domain.RiskLimits{})}
	ctx := context.Background()

	stale := &domain.DataIntegrityError{Pair: "BTC/USDT", Mode: domain.ModePaper, Reason: "stale candles"}
	r.alertIntegrity(ctx, st, fmt.Errorf("evaluate: %w", stale))
	r.alertIntegrity(ctx, st, stale)
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, notify.EventDataIntegrity, rec.alerts[0].Event)

	// recovery re-arms the alert
	r.alertIntegrity(ctx, st, nil)
	r.alertIntegrity(ctx, st, stale)
	assert.Len(t, rec.alerts, 2)
}
