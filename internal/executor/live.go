package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// LiveExecutor places real orders through a venue client. The idempotency
// key is sent as the client order id so the venue can reject replays too.
type LiveExecutor struct {
	venue  domain.VenueClient
	fees   FeeCalculator
	guard  *Idempotency
	logger *slog.Logger
	now    func() time.Time
}

var _ OrderExecutor = (*LiveExecutor)(nil)

// NewLiveExecutor creates a LiveExecutor.
func NewLiveExecutor(venue domain.VenueClient, fees FeeCalculator, guard *Idempotency, logger *slog.Logger) *LiveExecutor {
	return &LiveExecutor{
		venue:  venue,
		fees:   fees,
		guard:  guard,
		logger: logger.With(slog.String("component", "live_executor")),
		now:    time.Now,
	}
}

func (l *LiveExecutor) ExecuteOrder(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return l.guard.Do(ctx, sess.ID, req.IdempotencyKey, func() domain.OrderResult {
		return l.place(ctx, sess, req)
	})
}

func (l *LiveExecutor) place(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult {
	key := req.IdempotencyKey
	if err := domain.ValidateStruct(req); err != nil {
		return domain.Rejected(key, err.Error())
	}
	fill, err := l.venue.PlaceOrder(ctx, domain.VenueOrder{
		ClientOrderID: key,
		Pair:          domain.NormalizePair(req.Pair),
		Side:          req.Side,
		Kind:          req.Kind,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
	})
	if err != nil {
		l.logger.WarnContext(ctx, "venue order failed",
			slog.String("session_id", sess.ID),
			slog.String("idempotency_key", key),
			slog.String("error", err.Error()),
		)
		return failed(key, fmt.Sprintf("venue: %v", err))
	}

	switch fill.Status {
	case domain.OrderStatusRejected, domain.OrderStatusCancelled, domain.OrderStatusFailed:
		res := domain.Rejected(key, fmt.Sprintf("venue reported %s", fill.Status))
		res.Status = fill.Status
		res.VenueOrderID = fill.VenueOrderID
		return res
	}

	res := domain.OrderResult{
		Success:        true,
		OrderID:        uuid.NewString(),
		VenueOrderID:   fill.VenueOrderID,
		Status:         fill.Status,
		FilledQuantity: fill.FilledQuantity,
		FilledPrice:    fill.AvgPrice,
		IdempotencyKey: key,
		ExecutedAt:     fill.UpdatedAt,
	}
	if res.ExecutedAt.IsZero() {
		res.ExecutedAt = l.now().UTC()
	}
	// Fees follow the actual fill, never the request.
	if fill.FilledQuantity > 0 && fill.AvgPrice > 0 {
		res.Fee = l.fees.FeeForTradeValue(ctx, fill.FilledQuantity*fill.AvgPrice)
	}
	l.logger.InfoContext(ctx, "venue order accepted",
		slog.String("session_id", sess.ID),
		slog.String("venue_order_id", fill.VenueOrderID),
		slog.String("status", string(fill.Status)),
		slog.Float64("filled_quantity", fill.FilledQuantity),
		slog.Float64("avg_price", fill.AvgPrice),
	)
	return res
}

func (l *LiveExecutor) CurrentPrice(ctx context.Context, pair string) (float64, error) {
	t, err := l.venue.Ticker(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("executor: live ticker %s: %w", pair, err)
	}
	if t.Last > 0 {
		return t.Last, nil
	}
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2, nil
	}
	return 0, fmt.Errorf("executor: live ticker %s has no price", pair)
}

func (l *LiveExecutor) CurrentBalance(ctx context.Context, sess *domain.TradingSession) (float64, error) {
	_, quote, ok := domain.SplitPair(sess.Pair)
	if !ok {
		return 0, fmt.Errorf("executor: invalid pair %q", sess.Pair)
	}
	bal, err := l.venue.Balance(ctx, quote)
	if err != nil {
		return 0, fmt.Errorf("executor: live balance %s: %w", quote, err)
	}
	return bal, nil
}
