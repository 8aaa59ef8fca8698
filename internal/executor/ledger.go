package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// priceSource returns the price a ledger fill happens at.
type priceSource interface {
	price(ctx context.Context, pair string) (float64, error)
}

// ledgerEngine fills orders instantly against a per-session ledger. Paper and
// simulated executors differ only in their price source and starting balance.
type ledgerEngine struct {
	name    string
	prices  priceSource
	ledger  domain.LedgerStore
	fees    FeeCalculator
	guard   *Idempotency
	balance func(sess *domain.TradingSession) float64
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex // serializes ledger read-modify-write
}

func (e *ledgerEngine) account(ctx context.Context, sess *domain.TradingSession) (domain.LedgerAccount, error) {
	acct, err := e.ledger.Get(ctx, sess.ID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.LedgerAccount{}, err
	}
	_, quote, _ := domain.SplitPair(sess.Pair)
	return domain.LedgerAccount{
		SessionID: sess.ID,
		Quote:     quote,
		Balance:   e.balance(sess),
		Holdings:  make(map[string]float64),
		UpdatedAt: e.now().UTC(),
	}, nil
}

func (e *ledgerEngine) execute(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return e.guard.Do(ctx, sess.ID, req.IdempotencyKey, func() domain.OrderResult {
		return e.fill(ctx, sess, req)
	})
}

func (e *ledgerEngine) fill(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult {
	key := req.IdempotencyKey
	if err := domain.ValidateStruct(req); err != nil {
		return domain.Rejected(key, err.Error())
	}
	base, _, ok := domain.SplitPair(req.Pair)
	if !ok {
		return domain.Rejected(key, fmt.Sprintf("invalid pair %q", req.Pair))
	}

	var px float64
	switch req.Kind {
	case domain.OrderKindMarket:
		p, err := e.prices.price(ctx, req.Pair)
		if err != nil {
			return domain.Rejected(key, fmt.Sprintf("no price for %s: %v", req.Pair, err))
		}
		px = p
	case domain.OrderKindLimit:
		if req.LimitPrice == nil || *req.LimitPrice <= 0 {
			return domain.Rejected(key, "limit order requires a positive limit price")
		}
		px = *req.LimitPrice
	default:
		return domain.Rejected(key, fmt.Sprintf("%s orders are not supported by the %s executor", req.Kind, e.name))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.account(ctx, sess)
	if err != nil {
		return failed(key, fmt.Sprintf("load ledger: %v", err))
	}

	qty := decimal.NewFromFloat(req.Quantity)
	price := decimal.NewFromFloat(px)
	value := qty.Mul(price)
	fee := decimal.NewFromFloat(e.fees.FeeForTradeValue(ctx, value.InexactFloat64()))
	bal := decimal.NewFromFloat(acct.Balance)
	held := decimal.NewFromFloat(acct.Holdings[base])

	switch req.Side {
	case domain.OrderSideBuy:
		cost := value.Add(fee)
		if bal.LessThan(cost) {
			return domain.Rejected(key, fmt.Sprintf("%v: need %s %s, have %s",
				domain.ErrInsufficientBalance, cost.StringFixed(8), acct.Quote, bal.StringFixed(8)))
		}
		bal = bal.Sub(cost)
		held = held.Add(qty)
	case domain.OrderSideSell:
		if held.LessThan(qty) {
			return domain.Rejected(key, fmt.Sprintf("%v: need %s %s, have %s",
				domain.ErrInsufficientPosition, qty.String(), base, held.String()))
		}
		bal = bal.Add(value).Sub(fee)
		held = held.Sub(qty)
	}

	acct.Balance = bal.InexactFloat64()
	if held.IsZero() {
		delete(acct.Holdings, base)
	} else {
		acct.Holdings[base] = held.InexactFloat64()
	}
	acct.UpdatedAt = e.now().UTC()
	if err := e.ledger.Put(ctx, acct); err != nil {
		return failed(key, fmt.Sprintf("persist ledger: %v", err))
	}

	res := domain.OrderResult{
		Success:        true,
		OrderID:        uuid.NewString(),
		Status:         domain.OrderStatusFilled,
		FilledQuantity: req.Quantity,
		FilledPrice:    px,
		Fee:            fee.InexactFloat64(),
		IdempotencyKey: key,
		ExecutedAt:     acct.UpdatedAt,
	}
	e.logger.InfoContext(ctx, "order filled",
		slog.String("session_id", sess.ID),
		slog.String("order_id", res.OrderID),
		slog.String("pair", req.Pair),
		slog.String("side", string(req.Side)),
		slog.Float64("quantity", req.Quantity),
		slog.Float64("price", px),
		slog.Float64("fee", res.Fee),
		slog.Float64("balance", acct.Balance),
	)
	return res
}

func (e *ledgerEngine) currentBalance(ctx context.Context, sess *domain.TradingSession) (float64, error) {
	acct, err := e.account(ctx, sess)
	if err != nil {
		return 0, fmt.Errorf("executor: %s balance: %w", e.name, err)
	}
	return acct.Balance, nil
}

func failed(key, reason string) domain.OrderResult {
	res := domain.Rejected(key, reason)
	res.Status = domain.OrderStatusFailed
	return res
}
