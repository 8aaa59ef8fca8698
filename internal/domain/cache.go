package domain

import (
	"context"
	"time"
)

// PriceCache holds the most recent observed price per pair. Executors use it
// to value positions and to reject fills against stale quotes.
type PriceCache interface {
	SetPrice(ctx context.Context, pair string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, pair string) (float64, time.Time, error)
}

// LockManager serialises order placement per session. The returned unlock is
// safe to call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// IdempotencyStore remembers order results by idempotency key across
// processes. SetIfAbsent reports false when the key already existed.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (OrderResult, error)
	SetIfAbsent(ctx context.Context, key string, res OrderResult, ttl time.Duration) (bool, error)
}

// StreamMessage is one entry read back from a SignalBus stream; ID is the
// cursor to pass to the next StreamRead.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans kill switch changes and order events out to other
// processes. Publish/Subscribe is fire and forget; streams are capped logs
// that late consumers can page through.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
