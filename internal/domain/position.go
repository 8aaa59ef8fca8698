package domain

import "time"

// Position is the runner's view of the exposure a session currently holds.
type Position struct {
	SessionID  string
	Pair       string
	Side       PositionSide
	EntryPrice float64
	Quantity   float64
	EntryFee   float64
	OrderID    string
	OpenedAt   time.Time
}

// Flat reports whether no position is held.
func (p *Position) Flat() bool {
	return p == nil || p.Side == PositionNone || p.Side == "" || p.Quantity <= 0
}

// RealizedPnL returns the profit of closing the position at exitPrice,
// net of both entry and exit fees.
func (p *Position) RealizedPnL(exitPrice, exitFee float64) float64 {
	if p.Flat() {
		return 0
	}
	gross := (exitPrice - p.EntryPrice) * p.Quantity
	if p.Side == PositionShort {
		gross = -gross
	}
	return gross - p.EntryFee - exitFee
}

// HeldFor returns how long the position has been open.
func (p *Position) HeldFor(now time.Time) time.Duration {
	if p.Flat() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}
