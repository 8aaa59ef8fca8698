package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

type remembered struct {
	res domain.OrderResult
	at  time.Time
}

// ScopedKey is the guard's key for a caller key within one session. Two
// sessions may reuse the same caller key without seeing each other's orders.
func ScopedKey(sessionID, key string) string {
	return sessionID + ":" + key
}

// Idempotency makes an order key take effect at most once per session within
// a TTL.
// Successful results are remembered in process and, when a store is set,
// across processes. Concurrent calls with the same key wait for the first.
// Rejections are not remembered, so a caller may retry them.
type Idempotency struct {
	ttl    time.Duration
	store  domain.IdempotencyStore
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	seen     map[string]remembered
	inflight map[string]chan struct{}
}

// NewIdempotency creates a guard. store may be nil.
func NewIdempotency(ttl time.Duration, store domain.IdempotencyStore, logger *slog.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{
		ttl:      ttl,
		store:    store,
		logger:   logger.With(slog.String("component", "idempotency")),
		now:      time.Now,
		seen:     make(map[string]remembered),
		inflight: make(map[string]chan struct{}),
	}
}

// Lookup returns the remembered successful result for the session's key,
// marked Duplicate, if there is one. A nil guard remembers nothing.
func (g *Idempotency) Lookup(ctx context.Context, sessionID, key string) (domain.OrderResult, bool) {
	if g == nil {
		return domain.OrderResult{}, false
	}
	scoped := ScopedKey(sessionID, key)
	g.mu.Lock()
	r, ok := g.seen[scoped]
	g.mu.Unlock()
	if ok && g.now().Sub(r.at) < g.ttl {
		return duplicate(r.res), true
	}
	if g.store == nil {
		return domain.OrderResult{}, false
	}
	res, err := g.store.Get(ctx, scoped)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			g.logger.WarnContext(ctx, "idempotency lookup failed", slog.String("key", scoped), slog.String("error", err.Error()))
		}
		return domain.OrderResult{}, false
	}
	g.remember(scoped, res)
	return duplicate(res), true
}

// Do runs fn unless the session's key already produced a successful result,
// in which case that result is returned with Duplicate set.
func (g *Idempotency) Do(ctx context.Context, sessionID, callerKey string, fn func() domain.OrderResult) domain.OrderResult {
	key := ScopedKey(sessionID, callerKey)
	var done chan struct{}
	for done == nil {
		g.mu.Lock()
		if r, ok := g.seen[key]; ok && g.now().Sub(r.at) < g.ttl {
			g.mu.Unlock()
			return duplicate(r.res)
		}
		if wait, busy := g.inflight[key]; busy {
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return domain.Rejected(callerKey, ctx.Err().Error())
			}
		}
		done = make(chan struct{})
		g.inflight[key] = done
		g.mu.Unlock()
	}
	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		close(done)
		g.mu.Unlock()
	}()

	if g.store != nil {
		res, err := g.store.Get(ctx, key)
		switch {
		case err == nil:
			g.remember(key, res)
			return duplicate(res)
		case !errors.Is(err, domain.ErrNotFound):
			g.logger.WarnContext(ctx, "idempotency lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}

	res := fn()
	if !res.Success {
		return res
	}
	g.remember(key, res)
	if g.store != nil {
		if _, err := g.store.SetIfAbsent(ctx, key, res, g.ttl); err != nil {
			g.logger.WarnContext(ctx, "idempotency store failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return res
}

func (g *Idempotency) remember(key string, res domain.OrderResult) {
	g.mu.Lock()
	g.seen[key] = remembered{res: res, at: g.now()}
	g.mu.Unlock()
}

// Cleanup drops expired entries. Call it periodically.
func (g *Idempotency) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, r := range g.seen {
		if now.Sub(r.at) >= g.ttl {
			delete(g.seen, k)
		}
	}
}

// Run calls Cleanup every interval until ctx ends.
func (g *Idempotency) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			g.Cleanup()
		}
	}
}

func duplicate(res domain.OrderResult) domain.OrderResult {
	res.Duplicate = true
	return res
}
