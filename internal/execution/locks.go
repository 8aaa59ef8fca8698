package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per session id and forgets it once no
// goroutine holds or waits for it.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// lockSession serializes mutations of one session within this process and,
// when a LockManager is configured, across processes. The distributed lock is
// retried until LockWait elapses.
func (c *Core) lockSession(ctx context.Context, sessionID string) (func(), error) {
	release := c.keyed.lock(sessionID)
	if c.locks == nil {
		return release, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.LockWait)
	defer cancel()
	for {
		unlock, err := c.locks.Acquire(waitCtx, "session:"+sessionID, c.cfg.LockTTL)
		if err == nil {
			return func() {
				unlock()
				release()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			release()
			return nil, fmt.Errorf("execution: lock session %s: %w", sessionID, err)
		}
		select {
		case <-waitCtx.Done():
			release()
			return nil, fmt.Errorf("execution: lock session %s: %w", sessionID, domain.ErrLockHeld)
		case <-time.After(25 * time.Millisecond):
		}
	}
}
