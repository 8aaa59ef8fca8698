package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
	"github.com/alanyoungcy/stratcore/internal/notify"
)

// KillSwitchChannel is the bus channel used to invalidate other processes'
// flag caches.
const KillSwitchChannel = "killswitch"

// KillSwitchConfig controls the flag cache.
type KillSwitchConfig struct {
	// RefreshInterval bounds how stale the in-process flag cache may become
	// when another process changes a flag and no bus is configured.
	RefreshInterval time.Duration
}

// KillSwitchListener is invoked after a scope becomes active.
type KillSwitchListener func(ctx context.Context, flag domain.KillSwitchFlag)

// KillSwitch is the three-level emergency stop. Flags are cached in process
// and refreshed from the store when the cache is older than RefreshInterval.
type KillSwitch struct {
	store    domain.KillSwitchStore
	bus      domain.SignalBus
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	cfg      KillSwitchConfig
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	flags     map[domain.KillSwitchScope]domain.KillSwitchFlag
	loadedAt  time.Time
	listeners []KillSwitchListener
}

// NewKillSwitch creates a KillSwitch. bus, notifier and m may be nil.
func NewKillSwitch(store domain.KillSwitchStore, bus domain.SignalBus, notifier *notify.Notifier, m *metrics.Metrics, cfg KillSwitchConfig, logger *slog.Logger) *KillSwitch {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	return &KillSwitch{
		store:    store,
		bus:      bus,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "kill_switch")),
		now:      time.Now,
		flags:    make(map[domain.KillSwitchScope]domain.KillSwitchFlag),
	}
}

// OnActivate registers a listener called after any scope is activated.
func (k *KillSwitch) OnActivate(fn KillSwitchListener) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, fn)
}

// Refresh reloads every flag from the store.
func (k *KillSwitch) Refresh(ctx context.Context) error {
	flags, err := k.store.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("kill_switch: list flags: %w", err)
	}
	next := make(map[domain.KillSwitchScope]domain.KillSwitchFlag, len(flags))
	for _, f := range flags {
		next[f.Scope] = f
	}
	k.mu.Lock()
	k.flags = next
	k.loadedAt = k.now()
	k.mu.Unlock()
	return nil
}

// Reset drops the cache so the next lookup reloads from the store.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	k.flags = make(map[domain.KillSwitchScope]domain.KillSwitchFlag)
	k.loadedAt = time.Time{}
	k.mu.Unlock()
}

func (k *KillSwitch) ensureFresh(ctx context.Context) error {
	k.mu.RLock()
	stale := k.loadedAt.IsZero() || k.now().Sub(k.loadedAt) >= k.cfg.RefreshInterval
	k.mu.RUnlock()
	if !stale {
		return nil
	}
	return k.Refresh(ctx)
}

// Check reports whether one scope is active.
func (k *KillSwitch) Check(ctx context.Context, scope domain.KillSwitchScope) (domain.KillSwitchFlag, bool, error) {
	if err := k.ensureFresh(ctx); err != nil {
		return domain.KillSwitchFlag{}, false, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	f, ok := k.flags[scope]
	return f, ok && f.Active, nil
}

// CheckAll consults global, then user, then session, and returns the first
// active flag. A store failure is reported as an error; callers must treat it
// as blocking.
func (k *KillSwitch) CheckAll(ctx context.Context, userID, sessionID string) (domain.KillSwitchFlag, bool, error) {
	scopes := []domain.KillSwitchScope{domain.GlobalScope()}
	if userID != "" {
		scopes = append(scopes, domain.UserScope(userID))
	}
	if sessionID != "" {
		scopes = append(scopes, domain.SessionScope(sessionID))
	}
	for _, s := range scopes {
		f, active, err := k.Check(ctx, s)
		if err != nil {
			return domain.KillSwitchFlag{}, false, err
		}
		if active {
			return f, true, nil
		}
	}
	return domain.KillSwitchFlag{}, false, nil
}

// Activate turns a scope on. Actor and reason are mandatory.
func (k *KillSwitch) Activate(ctx context.Context, scope domain.KillSwitchScope, reason, actor string) error {
	return k.set(ctx, scope, true, reason, actor)
}

// Deactivate turns a scope off. History is never cleared.
func (k *KillSwitch) Deactivate(ctx context.Context, scope domain.KillSwitchScope, reason, actor string) error {
	return k.set(ctx, scope, false, reason, actor)
}

// History returns recorded changes of a scope, newest first.
func (k *KillSwitch) History(ctx context.Context, scope domain.KillSwitchScope, limit int) ([]domain.KillSwitchEvent, error) {
	return k.store.History(ctx, scope, limit)
}

func (k *KillSwitch) set(ctx context.Context, scope domain.KillSwitchScope, active bool, reason, actor string) error {
	if _, ok := domain.ParseScope(string(scope)); !ok {
		return fmt.Errorf("kill_switch: invalid scope %q", scope)
	}
	reason, actor = strings.TrimSpace(reason), strings.TrimSpace(actor)
	if reason == "" || actor == "" {
		return errors.New("kill_switch: actor and reason are required")
	}

	now := k.now().UTC()
	flag := domain.KillSwitchFlag{Scope: scope, Active: active, Reason: reason, Actor: actor, UpdatedAt: now}
	if err := k.store.SetFlag(ctx, flag); err != nil {
		return fmt.Errorf("kill_switch: set flag: %w", err)
	}
	if err := k.store.AppendEvent(ctx, domain.KillSwitchEvent{
		Scope: scope, Active: active, Reason: reason, Actor: actor, CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("kill_switch: append history: %w", err)
	}

	k.mu.Lock()
	k.flags[scope] = flag
	listeners := append([]KillSwitchListener(nil), k.listeners...)
	k.mu.Unlock()

	k.metrics.ObserveKillSwitch(scopeKind(scope), active)
	k.logger.WarnContext(ctx, "kill switch changed",
		slog.String("scope", string(scope)),
		slog.Bool("active", active),
		slog.String("reason", reason),
		slog.String("actor", actor),
	)
	k.publish(ctx, flag)

	if !active {
		return nil
	}
	_ = k.notifier.Notify(ctx, notify.NewAlert(notify.EventKillSwitch, "Kill switch activated",
		"scope", scope.String(), "actor", actor, "reason", reason))
	for _, fn := range listeners {
		fn(ctx, flag)
	}
	return nil
}

func (k *KillSwitch) publish(ctx context.Context, flag domain.KillSwitchFlag) {
	if k.bus == nil {
		return
	}
	payload, err := json.Marshal(flag)
	if err != nil {
		return
	}
	if err := k.bus.Publish(ctx, KillSwitchChannel, payload); err != nil {
		k.logger.WarnContext(ctx, "kill switch publish failed", slog.String("error", err.Error()))
	}
}

// Watch applies flag changes published by other processes until ctx ends.
// Remote activations also fire local listeners so sessions owned by this
// process are killed.
func (k *KillSwitch) Watch(ctx context.Context) error {
	if k.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, err := k.bus.Subscribe(ctx, KillSwitchChannel)
	if err != nil {
		return fmt.Errorf("kill_switch: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var flag domain.KillSwitchFlag
			if err := json.Unmarshal(payload, &flag); err != nil {
				k.logger.WarnContext(ctx, "bad kill switch payload", slog.String("error", err.Error()))
				continue
			}
			k.mu.Lock()
			prev := k.flags[flag.Scope]
			k.flags[flag.Scope] = flag
			listeners := append([]KillSwitchListener(nil), k.listeners...)
			k.mu.Unlock()
			if flag.Active && !prev.Active {
				for _, fn := range listeners {
					fn(ctx, flag)
				}
			}
		}
	}
}

func scopeKind(s domain.KillSwitchScope) string {
	if i := strings.IndexByte(string(s), ':'); i > 0 {
		return string(s)[:i]
	}
	return string(s)
}
