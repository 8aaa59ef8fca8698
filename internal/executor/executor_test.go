package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pctFee charges a flat percentage.
type pctFee float64

func (p pctFee) FeeForTradeValue(_ context.Context, value float64) float64 {
	return value * float64(p) / 100
}

func session() *domain.TradingSession {
	return &domain.TradingSession{ID: "s1", OwnerID: "u1", Mode: domain.ModePaper, Pair: "BTC/USDT", InitialBalance: 1000}
}

func order(side domain.OrderSide, qty float64, key string) domain.OrderRequest {
	return domain.OrderRequest{Pair: "BTC/USDT", Side: side, Kind: domain.OrderKindMarket, Quantity: qty, IdempotencyKey: key}
}

func newPaper(t *testing.T, price float64) (*PaperExecutor, *memory.LedgerStore, *memory.PriceCache) {
	t.Helper()
	cache := memory.NewPriceCache()
	require.NoError(t, cache.SetPrice(context.Background(), "BTC/USDT", price, time.Now()))
	ledger := memory.NewLedgerStore()
	p := NewPaperExecutor(cache, ledger, pctFee(0.1), NewIdempotency(time.Hour, nil, testLogger()), PaperConfig{MaxPriceAge: time.Minute}, testLogger())
	return p, ledger, cache
}

func TestPaperBuyAndSell(t *testing.T) {
	p, ledger, cache := newPaper(t, 100)
	ctx := context.Background()
	sess := session()

	res := p.ExecuteOrder(ctx, sess, order(domain.OrderSideBuy, 2, "k1"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.InDelta(t, 100, res.FilledPrice, 1e-9)
	assert.InDelta(t, 0.2, res.Fee, 1e-9)

	bal, err := p.CurrentBalance(ctx, sess)
	require.NoError(t, err)
	assert.InDelta(t, 799.8, bal, 1e-9)

	require.NoError(t, cache.SetPrice(ctx, "BTC/USDT", 110, time.Now()))
	res = p.ExecuteOrder(ctx, sess, order(domain.OrderSideSell, 2, "k2"))
	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 0.22, res.Fee, 1e-9)

	acct, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1019.58, acct.Balance, 1e-9)
	assert.Empty(t, acct.Holdings)
}

func TestPaperInsufficientBalanceRejected(t *testing.T) {
	p, ledger, _ := newPaper(t, 100)
	res := p.ExecuteOrder(context.Background(), session(), order(domain.OrderSideBuy, 10, "k1"))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
	assert.Contains(t, res.Error, "insufficient balance")
	assert.Zero(t, res.FilledQuantity)
	assert.Zero(t, ledger.Writes())
}

func TestPaperSellWithoutHoldingsRejected(t *testing.T) {
	p, _, _ := newPaper(t, 100)
	res := p.ExecuteOrder(context.Background(), session(), order(domain.OrderSideSell, 1, "k1"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient position")
}

func TestPaperLimitFillsAtLimitPrice(t *testing.T) {
	p, _, _ := newPaper(t, 100)
	req := order(domain.OrderSideBuy, 1, "k1")
	req.Kind = domain.OrderKindLimit
	limit := 95.0
	req.LimitPrice = &limit

	res := p.ExecuteOrder(context.Background(), session(), req)
	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 95, res.FilledPrice, 1e-9)

	req.IdempotencyKey = "k2"
	req.Kind = domain.OrderKindStop
	res = p.ExecuteOrder(context.Background(), session(), req)
	assert.False(t, res.Success)
}

func TestPaperStalePriceRejected(t *testing.T) {
	p, _, cache := newPaper(t, 100)
	require.NoError(t, cache.SetPrice(context.Background(), "BTC/USDT", 100, time.Now().Add(-time.Hour)))
	res := p.ExecuteOrder(context.Background(), session(), order(domain.OrderSideBuy, 1, "k1"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "stale")
}

func TestPaperDuplicateKeySingleMutation(t *testing.T) {
	p, ledger, _ := newPaper(t, 100)
	ctx := context.Background()
	sess := session()

	var wg sync.WaitGroup
	results := make([]domain.OrderResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.ExecuteOrder(ctx, sess, order(domain.OrderSideBuy, 1, "same"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ledger.Writes())
	var originals int
	for _, r := range results {
		require.True(t, r.Success)
		assert.Equal(t, results[0].OrderID, r.OrderID)
		if !r.Duplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
}

func TestRejectionNotRemembered(t *testing.T) {
	p, _, cache := newPaper(t, 100)
	ctx := context.Background()

	res := p.ExecuteOrder(ctx, session(), order(domain.OrderSideBuy, 20, "k1"))
	require.False(t, res.Success)

	require.NoError(t, cache.SetPrice(ctx, "BTC/USDT", 10, time.Now()))
	res = p.ExecuteOrder(ctx, session(), order(domain.OrderSideBuy, 20, "k1"))
	assert.True(t, res.Success, res.Error)
	assert.False(t, res.Duplicate)
}

type memIdempotency struct {
	mu   sync.Mutex
	data map[string]domain.OrderResult
}

func (m *memIdempotency) Get(_ context.Context, key string) (domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[key]
	if !ok {
		return domain.OrderResult{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memIdempotency) SetIfAbsent(_ context.Context, key string, res domain.OrderResult, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = res
	return true, nil
}

func TestIdempotencySharedAcrossProcesses(t *testing.T) {
	shared := &memIdempotency{data: map[string]domain.OrderResult{}}
	a := NewIdempotency(time.Hour, shared, testLogger())
	b := NewIdempotency(time.Hour, shared, testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	fn := func() domain.OrderResult {
		calls.Add(1)
		return domain.OrderResult{Success: true, OrderID: "o1", IdempotencyKey: "k"}
	}

	first := a.Do(ctx, "s1", "k", fn)
	second := b.Do(ctx, "s1", "k", fn)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "o1", second.OrderID)
}

func TestIdempotencyExpiry(t *testing.T) {
	g := NewIdempotency(time.Minute, nil, testLogger())
	now := time.Now()
	g.now = func() time.Time { return now }

	fn := func() domain.OrderResult { return domain.OrderResult{Success: true} }
	g.Do(context.Background(), "s1", "k", fn)
	assert.True(t, g.Do(context.Background(), "s1", "k", fn).Duplicate)

	now = now.Add(2 * time.Minute)
	g.Cleanup()
	assert.False(t, g.Do(context.Background(), "s1", "k", fn).Duplicate)
}

func TestIdempotencyKeysAreScopedBySession(t *testing.T) {
	shared := &memIdempotency{data: map[string]domain.OrderResult{}}
	g := NewIdempotency(time.Hour, shared, testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	fn := func() domain.OrderResult {
		calls.Add(1)
		return domain.OrderResult{Success: true, IdempotencyKey: "order-1"}
	}
	assert.False(t, g.Do(ctx, "a", "order-1", fn).Duplicate)
	assert.False(t, g.Do(ctx, "b", "order-1", fn).Duplicate)
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, shared.data, ScopedKey("a", "order-1"))
	assert.Contains(t, shared.data, ScopedKey("b", "order-1"))

	_, ok := g.Lookup(ctx, "c", "order-1")
	assert.False(t, ok)
	prior, ok := g.Lookup(ctx, "b", "order-1")
	require.True(t, ok)
	assert.True(t, prior.Duplicate)
}

func TestPaperSessionsShareCallerKeys(t *testing.T) {
	p, _, _ := newPaper(t, 10)
	ctx := context.Background()

	a, b := session(), session()
	b.ID = a.ID + "-other"
	resA := p.ExecuteOrder(ctx, a, order(domain.OrderSideBuy, 1, "order-1"))
	resB := p.ExecuteOrder(ctx, b, order(domain.OrderSideBuy, 1, "order-1"))
	require.True(t, resA.Success, resA.Error)
	require.True(t, resB.Success, resB.Error)
	assert.False(t, resB.Duplicate)
	assert.NotEqual(t, resA.OrderID, resB.OrderID)

	held, err := p.CurrentBalance(ctx, b)
	require.NoError(t, err)
	assert.Less(t, held, 1000.0, "the second session's ledger was charged")
}

func TestSimulatedMockBalance(t *testing.T) {
	s := NewSimulatedExecutor(map[string]float64{"btc-usdt": 50}, 0, pctFee(0), NewIdempotency(time.Hour, nil, testLogger()), testLogger())
	ctx := context.Background()
	sess := session()
	sess.Mode = domain.ModeBacktest

	bal, err := s.CurrentBalance(ctx, sess)
	require.NoError(t, err)
	assert.InDelta(t, DefaultMockBalance, bal, 1e-9)

	res := s.ExecuteOrder(ctx, sess, order(domain.OrderSideBuy, 10, "k1"))
	require.True(t, res.Success, res.Error)
	bal, _ = s.CurrentBalance(ctx, sess)
	assert.InDelta(t, 9500, bal, 1e-9)

	s.SetPrice("BTC/USDT", 60)
	px, err := s.CurrentPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.InDelta(t, 60, px, 1e-9)

	_, err = s.CurrentPrice(ctx, "ETH/USDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type fakeVenue struct {
	fill   domain.VenueFill
	err    error
	orders []domain.VenueOrder
}

func (f *fakeVenue) PlaceOrder(_ context.Context, o domain.VenueOrder) (domain.VenueFill, error) {
	f.orders = append(f.orders, o)
	return f.fill, f.err
}
func (f *fakeVenue) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeVenue) OrderStatus(context.Context, string, string) (domain.VenueFill, error) {
	return f.fill, nil
}
func (f *fakeVenue) Balance(_ context.Context, asset string) (float64, error) {
	if asset != "USDT" {
		return 0, domain.ErrNotFound
	}
	return 250, nil
}
func (f *fakeVenue) Ticker(context.Context, string) (domain.Ticker, error) {
	return domain.Ticker{Bid: 99, Ask: 101}, nil
}

func TestLiveFeeFromActualFill(t *testing.T) {
	v := &fakeVenue{fill: domain.VenueFill{VenueOrderID: "v1", Status: domain.OrderStatusFilled, FilledQuantity: 0.5, AvgPrice: 102}}
	l := NewLiveExecutor(v, pctFee(0.1), NewIdempotency(time.Hour, nil, testLogger()), testLogger())
	sess := session()
	sess.Mode = domain.ModeLive

	req := order(domain.OrderSideBuy, 1, "k1")
	limit := 100.0
	req.Kind = domain.OrderKindLimit
	req.LimitPrice = &limit
	res := l.ExecuteOrder(context.Background(), sess, req)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "v1", res.VenueOrderID)
	assert.InDelta(t, 0.051, res.Fee, 1e-12)
	require.Len(t, v.orders, 1)
	assert.Equal(t, "k1", v.orders[0].ClientOrderID)

	dup := l.ExecuteOrder(context.Background(), sess, req)
	assert.True(t, dup.Duplicate)
	assert.Len(t, v.orders, 1)
}

func TestLiveVenueFailure(t *testing.T) {
	v := &fakeVenue{err: errors.New("503 service unavailable")}
	l := NewLiveExecutor(v, pctFee(0.1), NewIdempotency(time.Hour, nil, testLogger()), testLogger())

	res := l.ExecuteOrder(context.Background(), session(), order(domain.OrderSideBuy, 1, ""))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderStatusFailed, res.Status)
	assert.Contains(t, res.Error, "503")
	assert.NotEmpty(t, res.IdempotencyKey)

	v.err = nil
	v.fill = domain.VenueFill{Status: domain.OrderStatusRejected}
	res = l.ExecuteOrder(context.Background(), session(), order(domain.OrderSideBuy, 1, "k2"))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
}

func TestLivePriceAndBalance(t *testing.T) {
	l := NewLiveExecutor(&fakeVenue{}, pctFee(0), NewIdempotency(time.Hour, nil, testLogger()), testLogger())
	px, err := l.CurrentPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.InDelta(t, 100, px, 1e-9)

	bal, err := l.CurrentBalance(context.Background(), session())
	require.NoError(t, err)
	assert.InDelta(t, 250, bal, 1e-9)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p, _, _ := newPaper(t, 1)
	r.Register(domain.ModePaper, p)

	got, err := r.Resolve(domain.ModePaper)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = r.Resolve(domain.ModeLive)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
