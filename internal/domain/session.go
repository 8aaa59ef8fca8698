package domain

import "time"

// Mode selects the order executor and the data-integrity rules for a session.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBacktest || m == ModePaper || m == ModeLive
}

// SessionStatus is the lifecycle state of a trading session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionStopped SessionStatus = "stopped"
	SessionKilled  SessionStatus = "killed"
)

// Terminal reports whether no transition out of s is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionKilled
}

// CanTransition reports whether a session may move from s to next.
//
//	active -> paused -> active
//	active -> stopped
//	active|paused -> killed
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionActive:
		return next == SessionPaused || next == SessionStopped || next == SessionKilled
	case SessionPaused:
		return next == SessionActive || next == SessionKilled
	default:
		return false
	}
}

// RiskLimits bound a session's trading. Non-positive values disable a limit.
type RiskLimits struct {
	MaxTradesPerDay         int     `json:"max_trades_per_day" toml:"max_trades_per_day"`
	MaxConcurrentPositions  int     `json:"max_concurrent_positions" toml:"max_concurrent_positions"`
	MaxDailyLossPercent     float64 `json:"max_daily_loss_percent" toml:"max_daily_loss_percent"`
	CooldownAfterLossStreak int     `json:"cooldown_after_loss_streak" toml:"cooldown_after_loss_streak"`
}

// SessionCounters are the running risk counters mutated after each order.
type SessionCounters struct {
	TradesToday       int        `json:"trades_today"`
	OpenPositions     int        `json:"open_positions"`
	DailyPnL          float64    `json:"daily_pnl"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	Day               string     `json:"day"` // UTC date the daily counters belong to
}

// TradingSession is one running instance of a strategy for one owner, pair
// and mode.
type TradingSession struct {
	ID             string
	OwnerID        string
	BotID          string
	Mode           Mode
	Pair           string
	Timeframe      string
	StrategyID     string
	StrategyConfig []byte // canonical serialized strategy
	ConfigHash     string
	Status         SessionStatus
	StatusReason   string
	InitialBalance float64
	CurrentBalance float64
	Limits         RiskLimits
	Counters       SessionCounters
	LastDecisionAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// KillSwitchScopes lists the scopes that cover this session, broadest first.
func (s *TradingSession) KillSwitchScopes() []KillSwitchScope {
	return []KillSwitchScope{GlobalScope(), UserScope(s.OwnerID), SessionScope(s.ID)}
}
