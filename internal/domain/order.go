package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Inverse returns the opposite side.
func (s OrderSide) Inverse() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderKind is the execution style of an order.
type OrderKind string

const (
	OrderKindMarket    OrderKind = "market"
	OrderKindLimit     OrderKind = "limit"
	OrderKindStop      OrderKind = "stop"
	OrderKindStopLimit OrderKind = "stop_limit"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusFailed    OrderStatus = "failed"
)

// OrderRequest is a mode-agnostic order description.
type OrderRequest struct {
	Pair           string    `json:"pair" validate:"required"`
	Side           OrderSide `json:"side" validate:"required,oneof=buy sell"`
	Kind           OrderKind `json:"kind" validate:"required,oneof=market limit stop stop_limit"`
	Quantity       float64   `json:"quantity" validate:"gt=0"`
	LimitPrice     *float64  `json:"limit_price,omitempty"`
	StopPrice      *float64  `json:"stop_price,omitempty"`
	TakeProfit     *float64  `json:"take_profit,omitempty"`
	TrailingPct    *float64  `json:"trailing_pct,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	SignalID       string    `json:"signal_id,omitempty"`
}

// OrderResult is the outcome of an order attempt.
type OrderResult struct {
	Success        bool        `json:"success"`
	OrderID        string      `json:"order_id,omitempty"`
	VenueOrderID   string      `json:"venue_order_id,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	FilledPrice    float64     `json:"filled_price"`
	Fee            float64     `json:"fee"`
	Error          string      `json:"error,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
	Duplicate      bool        `json:"duplicate,omitempty"`
	ExecutedAt     time.Time   `json:"executed_at"`
}

// Rejected builds a failed result with the given reason.
func Rejected(key, reason string) OrderResult {
	return OrderResult{
		Success:        false,
		Status:         OrderStatusRejected,
		Error:          reason,
		IdempotencyKey: key,
		ExecutedAt:     time.Now().UTC(),
	}
}
