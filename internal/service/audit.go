package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// TradeStream is the durable stream every audited fill is appended to.
const TradeStream = "trades"

// Lifecycle event names written through LogEvent.
const (
	EventSessionCreated = "session_created"
	EventSessionStatus  = "session_status"
	EventOrderUnknown   = "order_outcome_unknown"
	EventOrderRecovered = "order_outcome_recovered"
)

// AuditLogger writes the immutable trade log. bus and events may be nil.
type AuditLogger struct {
	trades domain.TradeLogStore
	events domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(trades domain.TradeLogStore, events domain.AuditStore, bus domain.SignalBus, logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		trades: trades,
		events: events,
		bus:    bus,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// LogTrade appends a complete trade record and reports whether it was new. A
// record whose session and idempotency key were already logged is accepted
// without writing again.
func (a *AuditLogger) LogTrade(ctx context.Context, entry domain.TradeLog) (bool, error) {
	if err := domain.ValidateStruct(entry); err != nil {
		return false, fmt.Errorf("audit: incomplete trade log: %w", err)
	}
	err := a.trades.Append(ctx, entry)
	if errors.Is(err, domain.ErrAlreadyExists) {
		a.logger.DebugContext(ctx, "trade log replay ignored", slog.String("idempotency_key", entry.IdempotencyKey))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("audit: append trade log: %w", err)
	}

	if a.bus != nil {
		if payload, mErr := json.Marshal(entry); mErr == nil {
			if sErr := a.bus.StreamAppend(ctx, TradeStream, payload); sErr != nil {
				a.logger.WarnContext(ctx, "trade stream append failed", slog.String("error", sErr.Error()))
			}
		}
	}
	a.logger.InfoContext(ctx, "trade logged",
		slog.String("trade_id", entry.ID),
		slog.String("session_id", entry.SessionID),
		slog.String("pair", entry.Pair),
		slog.String("side", string(entry.Side)),
		slog.Float64("quantity", entry.Quantity),
		slog.Float64("price", entry.EntryPrice),
	)
	return true, nil
}

// LogEvent records an operational event. Failures are logged and swallowed.
func (a *AuditLogger) LogEvent(ctx context.Context, event string, detail map[string]any) {
	if a.events == nil {
		return
	}
	if err := a.events.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
