// Package execution is the mode-agnostic façade over sessions: it owns the
// session lifecycle, gates orders through the risk manager, dispatches them to
// the executor bound to the session's mode and writes the audit trail.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/executor"
	"github.com/alanyoungcy/stratcore/internal/metrics"
	"github.com/alanyoungcy/stratcore/internal/notify"
	"github.com/alanyoungcy/stratcore/internal/service"
	"github.com/alanyoungcy/stratcore/internal/strategy"
)

var tracer = otel.Tracer("stratcore.execution")

// OrdersChannel receives a JSON event for every filled order. OrdersStream
// keeps the same events durably for consumers that were offline.
const (
	OrdersChannel = "orders"
	OrdersStream  = "orders"
)

// Config tunes the execution core.
type Config struct {
	ExecutionTimeout time.Duration
	LockTTL          time.Duration
	LockWait         time.Duration
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: 30 * time.Second,
		LockTTL:          30 * time.Second,
		LockWait:         5 * time.Second,
	}
}

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	SessionID      string            `validate:"omitempty,max=64"`
	OwnerID        string            `validate:"required"`
	BotID          string
	Mode           domain.Mode       `validate:"required,oneof=backtest paper live"`
	Pair           string            `validate:"required"`
	Timeframe      string            `validate:"omitempty,timeframe"`
	Strategy       domain.Strategy   `validate:"-"`
	InitialBalance float64           `validate:"gt=0"`
	Limits         domain.RiskLimits `validate:"-"`
	// LiveOptIn must be set for live sessions; there is no downgrade to paper.
	LiveOptIn bool
}

// Deps are the collaborators of the Core. Idempotency, Locks, Configs,
// Ledger, Bus, Notifier and Metrics may be nil.
type Deps struct {
	Sessions  domain.SessionStore
	Ledger    domain.LedgerStore
	Configs   domain.StrategyConfigStore
	Executors *executor.Registry
	Risk      *service.RiskService
	Audit     *service.AuditLogger
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics

	// Idempotency is the guard shared with the executors. It lets a retry
	// find its earlier result before risk is checked.
	Idempotency *executor.Idempotency
}

type handle struct {
	exec   executor.OrderExecutor
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Core is the execution façade. Two ExecuteOrder calls for the same session
// never interleave; calls for different sessions run in parallel.
type Core struct {
	sessions  domain.SessionStore
	ledger    domain.LedgerStore
	configs   domain.StrategyConfigStore
	executors *executor.Registry
	risk      *service.RiskService
	audit     *service.AuditLogger
	idem      *executor.Idempotency
	locks     domain.LockManager
	bus       domain.SignalBus
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	keyed *keyedMutex

	mu      sync.Mutex
	handles map[string]*handle
}

// NewCore creates a Core.
func NewCore(d Deps, cfg Config, logger *slog.Logger) *Core {
	def := DefaultConfig()
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	return &Core{
		sessions:  d.Sessions,
		ledger:    d.Ledger,
		configs:   d.Configs,
		executors: d.Executors,
		risk:      d.Risk,
		audit:     d.Audit,
		idem:      d.Idempotency,
		locks:     d.Locks,
		bus:       d.Bus,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "execution_core")),
		now:       time.Now,
		keyed:     newKeyedMutex(),
		handles:   make(map[string]*handle),
	}
}

// AttachKillSwitch kills every covered active or paused session when a scope
// is activated.
func (c *Core) AttachKillSwitch(ks *service.KillSwitch) {
	ks.OnActivate(c.onKillSwitch)
}

// CreateSession validates params, persists a new active session and binds its
// executor. A live session without LiveOptIn is rejected before anything is
// written.
func (c *Core) CreateSession(ctx context.Context, p CreateSessionParams) (domain.TradingSession, error) {
	if p.Mode == domain.ModeLive && !p.LiveOptIn {
		return domain.TradingSession{}, fmt.Errorf("execution: create session: %w", domain.ErrLiveOptInRequired)
	}
	if err := domain.ValidateStruct(p); err != nil {
		return domain.TradingSession{}, &domain.ConfigError{Field: "session", Reason: err.Error()}
	}
	if !c.risk.SupportsPair(p.Pair) {
		return domain.TradingSession{}, &domain.ConfigError{
			Field: "pair", Reason: fmt.Sprintf("%s is not supported", p.Pair), Kind: domain.ErrUnsupportedPair,
		}
	}
	if len(p.Strategy.Entry.Children) == 0 {
		return domain.TradingSession{}, &domain.ConfigError{Field: "strategy.entry", Reason: "no entry conditions"}
	}

	doc, err := strategy.CanonicalJSON(p.Strategy)
	if err != nil {
		return domain.TradingSession{}, err
	}
	hash, err := strategy.ConfigHash(p.Strategy)
	if err != nil {
		return domain.TradingSession{}, err
	}
	strategyID := p.Strategy.ID
	if strategyID == "" {
		strategyID = "strat-" + hash[:12]
	}
	exec, err := c.executors.Resolve(p.Mode)
	if err != nil {
		return domain.TradingSession{}, &domain.ConfigError{Field: "mode", Reason: err.Error(), Kind: domain.ErrNotFound}
	}

	now := c.now().UTC()
	timeframe := p.Timeframe
	if timeframe == "" {
		timeframe = p.Strategy.Timeframe
	}
	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	sess := domain.TradingSession{
		ID:             id,
		OwnerID:        p.OwnerID,
		BotID:          p.BotID,
		Mode:           p.Mode,
		Pair:           domain.NormalizePair(p.Pair),
		Timeframe:      timeframe,
		StrategyID:     strategyID,
		StrategyConfig: doc,
		ConfigHash:     hash,
		Status:         domain.SessionActive,
		InitialBalance: p.InitialBalance,
		CurrentBalance: p.InitialBalance,
		Limits:         p.Limits,
		Counters:       domain.SessionCounters{Day: now.Format(time.DateOnly)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if c.configs != nil {
		if err := c.configs.Put(ctx, domain.StrategyConfigRecord{
			Hash: hash, StrategyID: strategyID, Name: p.Strategy.Name, Document: doc, CreatedAt: now,
		}); err != nil {
			return domain.TradingSession{}, fmt.Errorf("execution: store strategy config: %w", err)
		}
	}
	if p.Mode == domain.ModePaper && c.ledger != nil {
		_, quote, _ := domain.SplitPair(sess.Pair)
		if err := c.ledger.Put(ctx, domain.LedgerAccount{
			SessionID: id, Quote: quote, Balance: p.InitialBalance, Holdings: map[string]float64{}, UpdatedAt: now,
		}); err != nil {
			return domain.TradingSession{}, fmt.Errorf("execution: seed ledger: %w", err)
		}
	}
	if bal, err := exec.CurrentBalance(ctx, &sess); err == nil {
		sess.CurrentBalance = bal
	} else {
		c.logger.WarnContext(ctx, "initial balance lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
	if err := c.sessions.Create(ctx, sess); err != nil {
		return domain.TradingSession{}, fmt.Errorf("execution: create session: %w", err)
	}

	c.bind(id, exec)
	c.metrics.SessionStarted()
	c.audit.LogEvent(ctx, service.EventSessionCreated, map[string]any{
		"session_id":  id,
		"owner_id":    sess.OwnerID,
		"mode":        string(sess.Mode),
		"pair":        sess.Pair,
		"strategy_id": strategyID,
		"config_hash": hash,
	})
	c.logger.InfoContext(ctx, "session created",
		slog.String("session_id", id),
		slog.String("owner_id", sess.OwnerID),
		slog.String("mode", string(sess.Mode)),
		slog.String("pair", sess.Pair),
		slog.String("config_hash", hash),
	)
	return sess, nil
}

func (c *Core) bind(id string, exec executor.OrderExecutor) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[id]; ok {
		return h
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &handle{exec: exec, ctx: ctx, cancel: cancel}
	c.handles[id] = h
	return h
}

// resurrect returns the bound executor, resolving it from the session's mode
// when this process has not seen the session before.
func (c *Core) resurrect(sess *domain.TradingSession) (executor.OrderExecutor, error) {
	c.mu.Lock()
	h, ok := c.handles[sess.ID]
	c.mu.Unlock()
	if ok {
		return h.exec, nil
	}
	exec, err := c.executors.Resolve(sess.Mode)
	if err != nil {
		return nil, err
	}
	c.bind(sess.ID, exec)
	c.logger.Info("session resurrected", slog.String("session_id", sess.ID), slog.String("mode", string(sess.Mode)))
	return exec, nil
}

// SessionContext derives a context that is cancelled, with
// domain.ErrSessionInactive as cause, once the session stops or is killed.
func (c *Core) SessionContext(parent context.Context, sessionID string) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	h, ok := c.handles[sessionID]
	c.mu.Unlock()
	ctx, cancel := context.WithCancelCause(parent)
	if !ok {
		return ctx, func() { cancel(nil) }
	}
	stop := context.AfterFunc(h.ctx, func() { cancel(context.Cause(h.ctx)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// ExecuteOrder runs one order through status, risk, executor and audit. A
// rejection is reported in the result with a nil error; the error is reserved
// for infrastructure failures, including the unknown-outcome case where the
// executor filled but the audit write failed. A key the session already
// filled is replayed ahead of the risk check, and the replay writes any
// trade log the first attempt lost.
func (c *Core) ExecuteOrder(ctx context.Context, sessionID string, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	key := req.IdempotencyKey
	start := c.now()

	ctx, span := tracer.Start(ctx, "execution.execute_order",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("order.side", string(req.Side)),
			attribute.String("order.idempotency_key", key),
		),
	)
	defer span.End()

	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Rejected(key, err.Error()), err
	}
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		err = fmt.Errorf("execution: load session %s: %w", sessionID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Rejected(key, err.Error()), err
	}
	mode := string(sess.Mode)
	span.SetAttributes(attribute.String("mode", mode))

	if sess.Status != domain.SessionActive {
		reason := fmt.Sprintf("session is %s", sess.Status)
		if sess.StatusReason != "" {
			reason += ": " + sess.StatusReason
		}
		c.metrics.ObserveOrder(mode, "inactive", c.now().Sub(start))
		return domain.Rejected(key, reason), nil
	}

	rolled := c.risk.RollDay(&sess, c.now())
	exec, err := c.resurrect(&sess)
	if err != nil {
		err = fmt.Errorf("execution: resolve executor: %w", err)
		return domain.Rejected(key, err.Error()), err
	}

	log := c.logger.With(
		slog.String("session_id", sessionID),
		slog.String("idempotency_key", key),
		slog.String("side", string(req.Side)),
	)
	o := &orderRun{span: span, sess: &sess, exec: exec, req: req, start: start, rolled: rolled, log: log}

	// A key that already filled returns its original result before risk is
	// consulted, so a retry cannot be rejected by limits its own fill moved.
	if prior, ok := c.idem.Lookup(ctx, sessionID, key); ok {
		return c.replay(ctx, o, prior)
	}

	decision := c.risk.Check(ctx, &sess, req)
	if !decision.Allowed {
		c.metrics.ObserveOrder(mode, "risk_rejected", c.now().Sub(start))
		if decision.Code == service.RiskKillSwitch {
			if err := c.transitionLocked(ctx, &sess, domain.SessionKilled, decision.Reason); err != nil {
				c.logger.WarnContext(ctx, "kill transition failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		} else if rolled {
			c.persist(ctx, &sess)
		}
		return domain.Rejected(key, decision.Reason), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	res := exec.ExecuteOrder(execCtx, &sess, req)
	cancel()

	if !res.Success {
		c.metrics.ObserveOrder(mode, "failed", c.now().Sub(start))
		log.WarnContext(ctx, "order not filled", slog.String("error", res.Error), slog.String("status", string(res.Status)))
		if rolled {
			c.persist(ctx, &sess)
		}
		return res, nil
	}
	if res.Duplicate {
		return c.replay(ctx, o, res)
	}
	if res.FilledQuantity <= 0 {
		c.metrics.ObserveOrder(mode, "accepted", c.now().Sub(start))
		log.InfoContext(ctx, "order accepted without fill", slog.String("order_id", res.OrderID))
		return res, nil
	}

	inserted, err := c.audit.LogTrade(ctx, tradeLog(&sess, req, res))
	if err != nil {
		return c.unknownOutcome(ctx, o, res, err)
	}
	if !inserted {
		// Another call already audited and applied this fill.
		c.metrics.ObserveOrder(mode, "duplicate", c.now().Sub(start))
		if rolled {
			c.persist(ctx, &sess)
		}
		return res, nil
	}
	return c.apply(ctx, o, res)
}

// orderRun carries one ExecuteOrder call through its settle helpers.
type orderRun struct {
	span   trace.Span
	sess   *domain.TradingSession
	exec   executor.OrderExecutor
	req    domain.OrderRequest
	start  time.Time
	rolled bool
	log    *slog.Logger
}

// replay settles a key that had already succeeded. The trade log is written
// again, which is a no-op when the first call audited it. When it was not
// audited, because the earlier write failed, the fill is recorded and applied
// now.
func (c *Core) replay(ctx context.Context, o *orderRun, res domain.OrderResult) (domain.OrderResult, error) {
	res.Duplicate = true
	mode := string(o.sess.Mode)
	if !res.Success || res.FilledQuantity <= 0 {
		c.metrics.ObserveOrder(mode, "duplicate", c.now().Sub(o.start))
		return res, nil
	}
	inserted, err := c.audit.LogTrade(ctx, tradeLog(o.sess, o.req, res))
	if err != nil {
		return c.unknownOutcome(ctx, o, res, err)
	}
	if !inserted {
		c.metrics.ObserveOrder(mode, "duplicate", c.now().Sub(o.start))
		o.log.InfoContext(ctx, "duplicate order ignored", slog.String("order_id", res.OrderID))
		if o.rolled {
			c.persist(ctx, o.sess)
		}
		return res, nil
	}
	o.log.WarnContext(ctx, "unaudited fill recovered on retry", slog.String("order_id", res.OrderID))
	c.audit.LogEvent(ctx, service.EventOrderRecovered, map[string]any{
		"session_id": o.sess.ID, "order_id": res.OrderID, "idempotency_key": res.IdempotencyKey,
	})
	return c.apply(ctx, o, res)
}

// unknownOutcome reports a fill whose audit write failed. Counters are left
// untouched until a retry with the same key audits it.
func (c *Core) unknownOutcome(ctx context.Context, o *orderRun, res domain.OrderResult, cause error) (domain.OrderResult, error) {
	err := fmt.Errorf("execution: audit order %s: %w: %v", res.OrderID, domain.ErrUnknownOutcome, cause)
	o.span.RecordError(err)
	o.span.SetStatus(codes.Error, err.Error())
	c.metrics.ObserveOrder(string(o.sess.Mode), "unknown", c.now().Sub(o.start))
	o.log.ErrorContext(ctx, "audit write failed after fill", slog.String("order_id", res.OrderID), slog.String("error", err.Error()))
	c.audit.LogEvent(ctx, service.EventOrderUnknown, map[string]any{
		"session_id": o.sess.ID, "order_id": res.OrderID, "venue_order_id": res.VenueOrderID, "idempotency_key": res.IdempotencyKey,
	})
	_ = c.notifier.Notify(ctx, notify.NewAlert(notify.EventAuditFailure, "Audit write failed",
		"session", o.sess.ID, "order", res.OrderID, "error", err.Error()))
	return res, err
}

// apply moves the session counters and balance for an audited fill.
func (c *Core) apply(ctx context.Context, o *orderRun, res domain.OrderResult) (domain.OrderResult, error) {
	sess := o.sess
	switch o.req.Side {
	case domain.OrderSideBuy:
		sess.Counters.OpenPositions++
	case domain.OrderSideSell:
		if sess.Counters.OpenPositions > 0 {
			sess.Counters.OpenPositions--
		}
	}
	if bal, err := o.exec.CurrentBalance(ctx, sess); err == nil {
		sess.CurrentBalance = bal
	}
	if err := c.save(ctx, sess); err != nil {
		return res, err
	}

	c.metrics.ObserveOrder(string(sess.Mode), "filled", c.now().Sub(o.start))
	c.publish(ctx, sess, res)
	_ = c.notifier.Notify(ctx, notify.NewAlert(notify.EventOrderFilled, "Order filled",
		"session", sess.ID, "side", string(o.req.Side), "pair", sess.Pair,
		"quantity", strconv.FormatFloat(res.FilledQuantity, 'g', -1, 64),
		"price", strconv.FormatFloat(res.FilledPrice, 'g', -1, 64)))
	o.log.InfoContext(ctx, "order executed",
		slog.String("order_id", res.OrderID),
		slog.Float64("filled_quantity", res.FilledQuantity),
		slog.Float64("filled_price", res.FilledPrice),
		slog.Int("open_positions", sess.Counters.OpenPositions),
	)
	return res, nil
}

func tradeLog(sess *domain.TradingSession, req domain.OrderRequest, res domain.OrderResult) domain.TradeLog {
	entry := domain.TradeLog{
		ID:             uuid.NewString(),
		Timestamp:      res.ExecutedAt,
		Pair:           sess.Pair,
		Side:           req.Side,
		EntryPrice:     res.FilledPrice,
		Quantity:       res.FilledQuantity,
		Fees:           res.Fee,
		Mode:           sess.Mode,
		StrategyID:     sess.StrategyID,
		SessionID:      sess.ID,
		ConfigHash:     sess.ConfigHash,
		OwnerID:        sess.OwnerID,
		OrderKind:      req.Kind,
		IdempotencyKey: res.IdempotencyKey,
		OrderID:        res.OrderID,
	}
	if req.Side == domain.OrderSideSell {
		exit := res.FilledPrice
		entry.ExitPrice = &exit
	}
	return entry
}

func (c *Core) save(ctx context.Context, sess *domain.TradingSession) error {
	sess.UpdatedAt = c.now().UTC()
	if err := c.sessions.Update(ctx, *sess); err != nil {
		return fmt.Errorf("execution: update session %s: %w", sess.ID, err)
	}
	return nil
}

// persist saves counter changes that are not part of an order outcome.
func (c *Core) persist(ctx context.Context, sess *domain.TradingSession) {
	if err := c.save(ctx, sess); err != nil {
		c.logger.WarnContext(ctx, "session update failed", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
}

func (c *Core) publish(ctx context.Context, sess *domain.TradingSession, res domain.OrderResult) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(struct {
		SessionID string             `json:"session_id"`
		Mode      domain.Mode        `json:"mode"`
		Pair      string             `json:"pair"`
		Result    domain.OrderResult `json:"result"`
	}{sess.ID, sess.Mode, sess.Pair, res})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, OrdersChannel, payload); err != nil {
		c.logger.WarnContext(ctx, "order publish failed", slog.String("error", err.Error()))
	}
	if err := c.bus.StreamAppend(ctx, OrdersStream, payload); err != nil {
		c.logger.WarnContext(ctx, "order stream append failed", slog.String("error", err.Error()))
	}
}

// RecordTradeOutcome feeds a closed position's realized PnL into the session's
// risk counters.
func (c *Core) RecordTradeOutcome(ctx context.Context, sessionID string, pnl float64, isWin bool) error {
	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("execution: load session %s: %w", sessionID, err)
	}
	c.risk.UpdateAfterTrade(&sess, pnl, isWin)
	return c.save(ctx, &sess)
}

// NoteDecision persists when the session's last strategy order filled,
// which anchors the strategy cooldown across restarts.
func (c *Core) NoteDecision(ctx context.Context, sessionID string, at time.Time) error {
	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("execution: load session %s: %w", sessionID, err)
	}
	at = at.UTC()
	sess.LastDecisionAt = &at
	return c.save(ctx, &sess)
}

// GetSessionStatus reports the session's status and whether it exists.
func (c *Core) GetSessionStatus(ctx context.Context, sessionID string) (domain.SessionStatus, bool, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("execution: load session %s: %w", sessionID, err)
	}
	return sess.Status, true, nil
}

// Session returns a snapshot of the stored session.
func (c *Core) Session(ctx context.Context, sessionID string) (domain.TradingSession, error) {
	return c.sessions.Get(ctx, sessionID)
}

// Executor returns the executor bound to the session.
func (c *Core) Executor(sess *domain.TradingSession) (executor.OrderExecutor, error) {
	return c.resurrect(sess)
}

// StopSession ends an active session for good. It reports false when the
// session does not exist, belongs to another owner or cannot stop from its
// current status.
func (c *Core) StopSession(ctx context.Context, sessionID, owner string) (bool, error) {
	return c.ownerTransition(ctx, sessionID, owner, domain.SessionStopped, "stopped by owner")
}

// PauseSession suspends an active session.
func (c *Core) PauseSession(ctx context.Context, sessionID, owner string) (bool, error) {
	return c.ownerTransition(ctx, sessionID, owner, domain.SessionPaused, "paused by owner")
}

// ResumeSession reactivates a paused session.
func (c *Core) ResumeSession(ctx context.Context, sessionID, owner string) (bool, error) {
	return c.ownerTransition(ctx, sessionID, owner, domain.SessionActive, "")
}

func (c *Core) ownerTransition(ctx context.Context, sessionID, owner string, next domain.SessionStatus, reason string) (bool, error) {
	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("execution: load session %s: %w", sessionID, err)
	}
	if sess.OwnerID != owner {
		c.logger.WarnContext(ctx, "session owner mismatch", slog.String("session_id", sessionID), slog.String("owner", owner))
		return false, nil
	}
	if err := c.transitionLocked(ctx, &sess, next, reason); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// transitionLocked moves sess to next and persists it. The caller holds the
// session lock.
func (c *Core) transitionLocked(ctx context.Context, sess *domain.TradingSession, next domain.SessionStatus, reason string) error {
	if !sess.Status.CanTransition(next) {
		return fmt.Errorf("execution: %s -> %s: %w", sess.Status, next, domain.ErrInvalidTransition)
	}
	prev := sess.Status
	sess.Status = next
	sess.StatusReason = reason
	if err := c.save(ctx, sess); err != nil {
		return err
	}

	if next.Terminal() {
		c.mu.Lock()
		h, ok := c.handles[sess.ID]
		c.mu.Unlock()
		if ok {
			h.cancel(fmt.Errorf("session %s: %w", next, domain.ErrSessionInactive))
		}
		c.metrics.SessionEnded()
	}
	if next == domain.SessionKilled {
		_ = c.notifier.Notify(ctx, notify.NewAlert(notify.EventSessionKilled, "Session killed",
			"session", sess.ID, "owner", sess.OwnerID, "reason", reason))
	}
	c.audit.LogEvent(ctx, service.EventSessionStatus, map[string]any{
		"session_id": sess.ID,
		"from":       string(prev),
		"to":         string(next),
		"reason":     reason,
	})
	c.logger.InfoContext(ctx, "session status changed",
		slog.String("session_id", sess.ID),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.String("reason", reason),
	)
	return nil
}

func (c *Core) onKillSwitch(ctx context.Context, flag domain.KillSwitchFlag) {
	sessions, err := c.sessions.ListByStatus(ctx, domain.SessionActive, domain.SessionPaused)
	if err != nil {
		c.logger.ErrorContext(ctx, "list sessions for kill switch failed", slog.String("error", err.Error()))
		return
	}
	reason := fmt.Sprintf("kill switch %s: %s", flag.Scope, flag.Reason)
	for i := range sessions {
		if !flag.Scope.Covers(&sessions[i]) {
			continue
		}
		if err := c.kill(ctx, sessions[i].ID, reason); err != nil {
			c.logger.ErrorContext(ctx, "kill session failed",
				slog.String("session_id", sessions[i].ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Core) kill(ctx context.Context, sessionID, reason string) error {
	unlock, err := c.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("execution: load session %s: %w", sessionID, err)
	}
	if sess.Status.Terminal() {
		return nil
	}
	return c.transitionLocked(ctx, &sess, domain.SessionKilled, reason)
}
