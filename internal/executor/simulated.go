package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/store/memory"
)

// DefaultMockBalance is the starting quote balance of every simulated ledger.
const DefaultMockBalance = 10000.0

// SimulatedExecutor has the paper executor's fill engine over a static price
// table and an in-memory ledger seeded with a fixed mock balance. Backtest
// sessions and dry runs use it.
type SimulatedExecutor struct {
	engine *ledgerEngine

	mu     sync.RWMutex
	prices map[string]float64
}

var _ OrderExecutor = (*SimulatedExecutor)(nil)

// NewSimulatedExecutor creates a SimulatedExecutor. A non-positive
// mockBalance uses DefaultMockBalance.
func NewSimulatedExecutor(prices map[string]float64, mockBalance float64, fees FeeCalculator, guard *Idempotency, logger *slog.Logger) *SimulatedExecutor {
	if mockBalance <= 0 {
		mockBalance = DefaultMockBalance
	}
	s := &SimulatedExecutor{prices: make(map[string]float64, len(prices))}
	for pair, px := range prices {
		s.prices[domain.NormalizePair(pair)] = px
	}
	s.engine = &ledgerEngine{
		name:    "simulated",
		prices:  s,
		ledger:  memory.NewLedgerStore(),
		fees:    fees,
		guard:   guard,
		balance: func(*domain.TradingSession) float64 { return mockBalance },
		logger:  logger.With(slog.String("component", "simulated_executor")),
		now:     time.Now,
	}
	return s
}

// SetPrice updates the static price of a pair.
func (s *SimulatedExecutor) SetPrice(pair string, price float64) {
	s.mu.Lock()
	s.prices[domain.NormalizePair(pair)] = price
	s.mu.Unlock()
}

func (s *SimulatedExecutor) ExecuteOrder(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult {
	return s.engine.execute(ctx, sess, req)
}

func (s *SimulatedExecutor) CurrentPrice(ctx context.Context, pair string) (float64, error) {
	return s.price(ctx, pair)
}

func (s *SimulatedExecutor) CurrentBalance(ctx context.Context, sess *domain.TradingSession) (float64, error) {
	return s.engine.currentBalance(ctx, sess)
}

func (s *SimulatedExecutor) price(_ context.Context, pair string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	px, ok := s.prices[domain.NormalizePair(pair)]
	if !ok || px <= 0 {
		return 0, fmt.Errorf("executor: simulated price %s: %w", pair, domain.ErrNotFound)
	}
	return px, nil
}
