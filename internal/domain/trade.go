package domain

import "time"

// TradeLog is the append-only audit record of a filled order. Every field is
// required; there is no partially filled record.
type TradeLog struct {
	ID             string    `json:"id" validate:"required"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	Pair           string    `json:"pair" validate:"required"`
	Side           OrderSide `json:"side" validate:"required,oneof=buy sell"`
	EntryPrice     float64   `json:"entry_price" validate:"gt=0"`
	ExitPrice      *float64  `json:"exit_price"`
	Quantity       float64   `json:"quantity" validate:"gt=0"`
	Fees           float64   `json:"fees" validate:"gte=0"`
	RealizedPnL    float64   `json:"realized_pnl"`
	Mode           Mode      `json:"mode" validate:"required,oneof=backtest paper live"`
	StrategyID     string    `json:"strategy_id" validate:"required"`
	SessionID      string    `json:"session_id" validate:"required"`
	ConfigHash     string    `json:"config_hash" validate:"required"`
	OwnerID        string    `json:"owner_id" validate:"required"`
	OrderKind      OrderKind `json:"order_kind" validate:"required"`
	IdempotencyKey string    `json:"idempotency_key" validate:"required"`
	OrderID        string    `json:"order_id" validate:"required"`
}
