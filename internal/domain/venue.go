package domain

import (
	"context"
	"time"
)

// VenueOrder is the request shape sent to a real exchange.
type VenueOrder struct {
	ClientOrderID string
	Pair          string
	Side          OrderSide
	Kind          OrderKind
	Quantity      float64
	LimitPrice    *float64
	StopPrice     *float64
}

// VenueFill is what a venue reports about an order.
type VenueFill struct {
	VenueOrderID   string
	ClientOrderID  string
	Status         OrderStatus
	FilledQuantity float64
	AvgPrice       float64
	UpdatedAt      time.Time
}

// Ticker is the latest top-of-book snapshot.
type Ticker struct {
	Pair string
	Bid  float64
	Ask  float64
	Last float64
	At   time.Time
}

// VenueClient is a thin abstraction over a real exchange.
type VenueClient interface {
	PlaceOrder(ctx context.Context, order VenueOrder) (VenueFill, error)
	CancelOrder(ctx context.Context, pair, venueOrderID string) error
	OrderStatus(ctx context.Context, pair, venueOrderID string) (VenueFill, error)
	Balance(ctx context.Context, asset string) (float64, error)
	Ticker(ctx context.Context, pair string) (Ticker, error)
}
