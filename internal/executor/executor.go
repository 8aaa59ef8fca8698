// Package executor fulfils orders for a session's mode. Paper and simulated
// executors fill against a private per-session ledger; the live executor
// delegates to a venue client. All share the fee calculator and the
// idempotency guard.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// OrderExecutor is the single contract every execution mode implements.
// Failures are reported in OrderResult.Error, never as a Go error.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) domain.OrderResult
	CurrentPrice(ctx context.Context, pair string) (float64, error)
	CurrentBalance(ctx context.Context, sess *domain.TradingSession) (float64, error)
}

// FeeCalculator returns the fee owed on a trade of the given quote value.
type FeeCalculator interface {
	FeeForTradeValue(ctx context.Context, value float64) float64
}

// Registry maps modes to executors. It is resolved once per session.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.Mode]OrderExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.Mode]OrderExecutor)}
}

// Register binds an executor to a mode, replacing any previous binding.
func (r *Registry) Register(mode domain.Mode, exec OrderExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[mode] = exec
}

// Resolve returns the executor for mode.
func (r *Registry) Resolve(mode domain.Mode) (OrderExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[mode]
	if !ok {
		return nil, fmt.Errorf("executor: no executor for mode %q: %w", mode, domain.ErrNotFound)
	}
	return exec, nil
}

// Modes lists the registered modes.
func (r *Registry) Modes() []domain.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Mode, 0, len(r.executors))
	for m := range r.executors {
		out = append(out, m)
	}
	return out
}
