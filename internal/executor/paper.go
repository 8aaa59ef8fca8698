package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// PaperConfig tunes the paper executor.
type PaperConfig struct {
	// MaxPriceAge rejects fills against cached prices older than this.
	// Zero disables the check.
	MaxPriceAge time.Duration
}

// PaperExecutor fills at the latest price from the ticker feed against a
// private ledger seeded with the session's initial balance.
type PaperExecutor struct {
	engine *ledgerEngine
	cache  domain.PriceCache
	cfg    PaperConfig
}

var _ OrderExecutor = (*PaperExecutor)(nil)

// NewPaperExecutor creates a PaperExecutor.
func NewPaperExecutor(cache domain.PriceCache, ledger domain.LedgerStore, fees FeeCalculator, guard *Idempotency, cfg PaperConfig, logger *slog.Logger) *PaperExecutor {
	p := &PaperExecutor{cache: cache, cfg: cfg}
	p.engine = &ledgerEngine{
		name:    "paper",
		prices:  p,
		ledger:  ledger,
		fees:    fees,
		guard:   guard,
		balance: func(sess *domain.TradingSession) float64 { return sess.InitialBalance },
		logger:  logger.With(slog.String("component", "paper_executor")),
		now:     time.Now,
	}
	return p
}

func (p *PaperExecutor) ExecuteOrder(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult {
	return p.engine.execute(ctx, sess, req)
}

func (p *PaperExecutor) CurrentPrice(ctx context.Context, pair string) (float64, error) {
	return p.price(ctx, pair)
}

func (p *PaperExecutor) CurrentBalance(ctx context.Context, sess *domain.TradingSession) (float64, error) {
	return p.engine.currentBalance(ctx, sess)
}

func (p *PaperExecutor) price(ctx context.Context, pair string) (float64, error) {
	px, at, err := p.cache.GetPrice(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("executor: paper price %s: %w", pair, err)
	}
	if p.cfg.MaxPriceAge > 0 && p.engine.now().Sub(at) > p.cfg.MaxPriceAge {
		return 0, fmt.Errorf("executor: paper price %s as of %s: %w", pair, at.UTC().Format(time.RFC3339), domain.ErrStalePrice)
	}
	if px <= 0 {
		return 0, fmt.Errorf("executor: paper price %s is %v", pair, px)
	}
	return px, nil
}
