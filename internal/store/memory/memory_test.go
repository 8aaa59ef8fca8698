package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

func TestTradeLogStore(t *testing.T) {
	ctx := context.Background()
	s := NewTradeLogStore()
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, domain.TradeLog{
			ID: key, IdempotencyKey: key, SessionID: "s1", Timestamp: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.Append(ctx, domain.TradeLog{ID: "x", IdempotencyKey: "x", SessionID: "s2", Timestamp: base}))

	err := s.Append(ctx, domain.TradeLog{ID: "dup", IdempotencyKey: "a", SessionID: "s1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, 4, s.Len())

	since := base.Add(time.Hour)
	got, err := s.ListBySession(ctx, "s1", domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListBySession(ctx, "s1", domain.ListOpts{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.ListBefore(ctx, base.Add(90*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSessionStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore()
	sess := domain.TradingSession{ID: "s1", Status: domain.SessionActive, StrategyConfig: []byte(`{"a":1}`)}
	require.NoError(t, s.Create(ctx, sess))
	assert.ErrorIs(t, s.Create(ctx, sess), domain.ErrAlreadyExists)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	got.StrategyConfig[0] = 'X'
	again, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again.StrategyConfig[0])

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, domain.TradingSession{ID: "nope"}), domain.ErrNotFound)
}

func TestSignalBus(t *testing.T) {
	b := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "orders", []byte("one")))
	require.NoError(t, b.Publish(ctx, "other", []byte("ignored")))
	assert.Equal(t, []byte("one"), <-ch)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, b.Publish(context.Background(), "orders", []byte("after")))

	bg := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(bg, "orders", []byte(p)))
	}
	msgs, err := b.StreamRead(bg, "orders", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)

	msgs, err = b.StreamRead(bg, "orders", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("c"), msgs[0].Payload)

	msgs, err = b.StreamRead(bg, "orders", "3-0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPriceCacheNormalizesPairs(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()
	require.NoError(t, c.SetPrice(context.Background(), "btc-usdt", 100, now))
	px, at, err := c.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.InDelta(t, 100, px, 0)
	assert.Equal(t, now, at)

	_, _, err = c.GetPrice(context.Background(), "ETH/USDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
