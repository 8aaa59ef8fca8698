package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SessionStore persists trading sessions.
type SessionStore interface {
	Create(ctx context.Context, sess TradingSession) error
	Get(ctx context.Context, id string) (TradingSession, error)
	Update(ctx context.Context, sess TradingSession) error
	ListByStatus(ctx context.Context, statuses ...SessionStatus) ([]TradingSession, error)
}

// LedgerAccount is the private paper ledger of one session.
type LedgerAccount struct {
	SessionID string
	Quote     string
	Balance   float64
	Holdings  map[string]float64 // base asset -> quantity
	UpdatedAt time.Time
}

// LedgerStore persists paper ledgers keyed by session.
type LedgerStore interface {
	Get(ctx context.Context, sessionID string) (LedgerAccount, error)
	Put(ctx context.Context, acct LedgerAccount) error
}

// TradeLogStore is the append-only audit trail of filled orders. Append is a
// no-op returning ErrAlreadyExists when the idempotency key was seen before.
type TradeLogStore interface {
	Append(ctx context.Context, entry TradeLog) error
	ListBySession(ctx context.Context, sessionID string, opts ListOpts) ([]TradeLog, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeLog, error)
}

// KillSwitchStore persists kill switch flags and their history.
type KillSwitchStore interface {
	SetFlag(ctx context.Context, flag KillSwitchFlag) error
	ListFlags(ctx context.Context) ([]KillSwitchFlag, error)
	AppendEvent(ctx context.Context, ev KillSwitchEvent) error
	History(ctx context.Context, scope KillSwitchScope, limit int) ([]KillSwitchEvent, error)
}

// StrategyConfigRecord is a stored strategy document addressed by hash.
type StrategyConfigRecord struct {
	Hash       string
	StrategyID string
	Name       string
	Document   []byte
	CreatedAt  time.Time
}

// StrategyConfigStore keeps every strategy configuration a session ran with.
type StrategyConfigStore interface {
	Put(ctx context.Context, rec StrategyConfigRecord) error
	Get(ctx context.Context, hash string) (StrategyConfigRecord, error)
}

// SettingsStore reads platform settings such as the fee percentage.
type SettingsStore interface {
	GetFloat(ctx context.Context, key string) (float64, error)
	SetFloat(ctx context.Context, key string, value float64) error
}

// AuditStore records operational events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
