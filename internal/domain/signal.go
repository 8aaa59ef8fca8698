package domain

import "time"

// SignalKind distinguishes entry decisions from exit decisions.
type SignalKind string

const (
	SignalEntry SignalKind = "entry"
	SignalExit  SignalKind = "exit"
)

// PositionSide is the position a session currently holds.
type PositionSide string

const (
	PositionNone  PositionSide = "none"
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// NodeResult is the per-node outcome of evaluating a condition tree.
type NodeResult struct {
	Label      string
	Satisfied  bool
	Confidence float64 // groups only
	Detail     string
	Children   []NodeResult
}

// Signal is a proposed entry or exit produced by the decision engine.
type Signal struct {
	ID            string
	StrategyID    string
	SessionID     string
	Kind          SignalKind
	Pair          string
	Side          OrderSide
	Confidence    float64
	Price         float64
	CreatedAt     time.Time
	Snapshot      map[string]float64 // canonical reference key -> value consulted
	Trace         NodeResult
	TriggerReason string

	Executed bool
	OrderID  string
}

// MarkExecuted records the execution outcome. It is the only mutation a
// signal receives after creation.
func (s *Signal) MarkExecuted(orderID string) {
	s.Executed = true
	s.OrderID = orderID
}

// Evaluation describes one pass of the decision engine, signal or not.
type Evaluation struct {
	StrategyID string
	SessionID  string
	Pair       string
	Mode       Mode
	Position   PositionSide
	Phase      SignalKind // which rule set was evaluated
	Satisfied  bool
	Confidence float64
	Confirmed  *bool // nil when no confirmation group ran
	Trace      NodeResult
	Source     CandleSource
	Duration   time.Duration
}
