package domain

import (
	"sort"
	"time"
)

// SizingType selects how an entry signal is turned into an order quantity.
type SizingType string

const (
	SizingFixedQuote     SizingType = "fixed_quote"     // spend Value units of the quote asset
	SizingFixedBase      SizingType = "fixed_base"      // buy Value units of the base asset
	SizingPercentBalance SizingType = "percent_balance" // spend Value% of the current balance
)

// SizingPolicy is the order sizing rule of a strategy.
type SizingPolicy struct {
	Type  SizingType
	Value float64
}

// Strategy is an immutable description of entry, exit and confirmation rules.
type Strategy struct {
	ID                     string
	Name                   string
	Entry                  ConditionGroup
	Exit                   ConditionGroup
	Confirmation           *ConditionGroup
	Timeframe              string
	ConfirmationTimeframes []string
	MinHold                time.Duration
	MaxHold                time.Duration
	Cooldown               time.Duration
	Sizing                 SizingPolicy
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// References returns the distinct indicator references used by the entry,
// exit and confirmation trees, ordered by canonical key.
func (s Strategy) References() []IndicatorReference {
	seen := make(map[string]IndicatorReference)
	add := func(n Node) {
		for _, r := range References(n) {
			seen[r.Key()] = r
		}
	}
	add(s.Entry)
	add(s.Exit)
	if s.Confirmation != nil {
		add(*s.Confirmation)
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]IndicatorReference, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}
