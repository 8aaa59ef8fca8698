package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/store/memory"
)

func tradeEntry() domain.TradeLog {
	return domain.TradeLog{
		ID:             "t1",
		Timestamp:      time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		Pair:           "BTC/USDT",
		Side:           domain.OrderSideBuy,
		EntryPrice:     50000,
		Quantity:       0.01,
		Fees:           0.5,
		Mode:           domain.ModePaper,
		StrategyID:     "rsi-ema",
		SessionID:      "s1",
		ConfigHash:     "abc123",
		OwnerID:        "u1",
		OrderKind:      domain.OrderKindMarket,
		IdempotencyKey: "k1",
		OrderID:        "o1",
	}
}

func TestAuditLogTrade(t *testing.T) {
	trades := memory.NewTradeLogStore()
	a := NewAuditLogger(trades, memory.NewAuditStore(), nil, testLogger())

	inserted, err := a.LogTrade(context.Background(), tradeEntry())
	require.NoError(t, err)
	assert.True(t, inserted)
	got, err := trades.ListBySession(context.Background(), "s1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc123", got[0].ConfigHash)
}

func TestAuditRejectsIncompleteRecord(t *testing.T) {
	trades := memory.NewTradeLogStore()
	a := NewAuditLogger(trades, nil, nil, testLogger())

	for name, mutate := range map[string]func(*domain.TradeLog){
		"no config hash": func(e *domain.TradeLog) { e.ConfigHash = "" },
		"zero price":     func(e *domain.TradeLog) { e.EntryPrice = 0 },
		"bad mode":       func(e *domain.TradeLog) { e.Mode = "demo" },
		"no owner":       func(e *domain.TradeLog) { e.OwnerID = "" },
	} {
		e := tradeEntry()
		mutate(&e)
		_, err := a.LogTrade(context.Background(), e)
		assert.Error(t, err, name)
	}
	assert.Zero(t, trades.Len())
}

func TestAuditReplayIsNoop(t *testing.T) {
	trades := memory.NewTradeLogStore()
	a := NewAuditLogger(trades, nil, nil, testLogger())

	_, err := a.LogTrade(context.Background(), tradeEntry())
	require.NoError(t, err)
	dup := tradeEntry()
	dup.ID = "t2"
	inserted, err := a.LogTrade(context.Background(), dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, trades.Len())

	// the same caller key in another session is a different trade
	other := tradeEntry()
	other.ID = "t3"
	other.SessionID = "s2"
	inserted, err = a.LogTrade(context.Background(), other)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, 2, trades.Len())
}

func TestAuditLogEvent(t *testing.T) {
	events := memory.NewAuditStore()
	a := NewAuditLogger(memory.NewTradeLogStore(), events, nil, testLogger())

	a.LogEvent(context.Background(), EventSessionCreated, map[string]any{"session_id": "s1"})
	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, EventSessionCreated, got[0].Event)

	// A nil store is tolerated.
	NewAuditLogger(memory.NewTradeLogStore(), nil, nil, testLogger()).LogEvent(context.Background(), "x", nil)
}
