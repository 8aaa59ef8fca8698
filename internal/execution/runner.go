package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/notify"
	"github.com/alanyoungcy/stratcore/internal/strategy"
)

// RunnerConfig tunes session runners.
type RunnerConfig struct {
	// PollInterval is how often a session is evaluated. Zero uses the
	// session's timeframe.
	PollInterval time.Duration
}

// Runner drives sessions: evaluate, size, execute, track the position and
// report realized PnL once it closes.
type Runner struct {
	core   *Core
	engine *strategy.Engine
	cfg    RunnerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(core *Core, engine *strategy.Engine, cfg RunnerConfig, logger *slog.Logger) *Runner {
	return &Runner{
		core:   core,
		engine: engine,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "session_runner")),
		now:    time.Now,
	}
}

// OrderQuantity sizes an entry order. Quantities are rounded down to 8
// decimal places.
func OrderQuantity(p domain.SizingPolicy, price, balance float64) (float64, error) {
	if p.Value <= 0 {
		return 0, fmt.Errorf("execution: sizing value must be positive, got %v", p.Value)
	}
	val := decimal.NewFromFloat(p.Value)
	var qty decimal.Decimal
	switch p.Type {
	case domain.SizingFixedBase:
		qty = val
	case domain.SizingFixedQuote, "":
		if price <= 0 {
			return 0, fmt.Errorf("execution: cannot size %s without a price", p.Type)
		}
		qty = val.Div(decimal.NewFromFloat(price))
	case domain.SizingPercentBalance:
		if price <= 0 {
			return 0, fmt.Errorf("execution: cannot size %s without a price", p.Type)
		}
		qty = decimal.NewFromFloat(balance).Mul(val).Div(decimal.NewFromInt(100)).Div(decimal.NewFromFloat(price))
	default:
		return 0, fmt.Errorf("execution: unknown sizing type %q", p.Type)
	}
	qty = qty.RoundDown(8)
	if !qty.IsPositive() {
		return 0, errors.New("execution: order quantity rounds to zero")
	}
	return qty.InexactFloat64(), nil
}

type sessionState struct {
	sess     domain.TradingSession
	strat    domain.Strategy
	position *domain.Position
	// integrity is the last data integrity reason alerted on, so a feed
	// outage alerts once rather than every tick.
	integrity string
}

// Run drives one session until it becomes terminal or ctx ends. A stop or
// kill abandons any in-flight evaluation.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	sess, err := r.core.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("execution: runner load %s: %w", sessionID, err)
	}
	if sess.Status.Terminal() {
		return nil
	}
	strat, err := strategy.Parse(sess.StrategyConfig, strategy.FormatJSON)
	if err != nil {
		return fmt.Errorf("execution: runner strategy for %s: %w", sessionID, err)
	}
	strat.ID = sess.StrategyID
	if _, err := r.core.Executor(&sess); err != nil {
		return fmt.Errorf("execution: runner executor for %s: %w", sessionID, err)
	}
	if sess.LastDecisionAt != nil {
		r.engine.NoteTrade(sessionID, *sess.LastDecisionAt)
	}
	defer r.engine.ForgetSession(sessionID)

	sessCtx, cancel := r.core.SessionContext(ctx, sessionID)
	defer cancel()

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval, _ = domain.ParseTimeframe(sess.Timeframe)
	}
	if interval <= 0 {
		interval = time.Minute
	}

	log := r.logger.With(slog.String("session_id", sessionID), slog.String("pair", sess.Pair))
	log.InfoContext(ctx, "session runner started", slog.Duration("interval", interval))
	defer log.InfoContext(ctx, "session runner stopped")

	st := &sessionState{sess: sess, strat: strat}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := r.step(sessCtx, st)
		if err != nil {
			log.WarnContext(ctx, "session step failed", slog.String("error", err.Error()))
		}
		r.alertIntegrity(sessCtx, st, err)
		if done {
			return nil
		}
		select {
		case <-sessCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) alertIntegrity(ctx context.Context, st *sessionState, err error) {
	var die *domain.DataIntegrityError
	if !errors.As(err, &die) {
		st.integrity = ""
		return
	}
	if die.Reason == st.integrity {
		return
	}
	st.integrity = die.Reason
	_ = r.core.notifier.Notify(ctx, notify.NewAlert(notify.EventDataIntegrity, "Market data unusable",
		"session", st.sess.ID, "pair", die.Pair, "mode", string(die.Mode), "reason", die.Reason))
}

// step runs one evaluation for the session. It reports true when the session
// has ended.
func (r *Runner) step(ctx context.Context, st *sessionState) (bool, error) {
	id := st.sess.ID
	status, found, err := r.core.GetSessionStatus(ctx, id)
	if err != nil {
		return false, err
	}
	if !found || status.Terminal() {
		return true, nil
	}
	if status == domain.SessionPaused {
		return false, nil
	}
	if r.engine.CheckCooldown(id, st.strat.Cooldown) {
		return false, nil
	}

	now := r.now()
	side := domain.PositionNone
	if !st.position.Flat() {
		side = st.position.Side
		held := st.position.HeldFor(now)
		if st.strat.MaxHold > 0 && held >= st.strat.MaxHold {
			return r.act(ctx, st, &domain.Signal{
				ID:            uuid.NewString(),
				StrategyID:    st.strat.ID,
				SessionID:     id,
				Kind:          domain.SignalExit,
				Pair:          st.sess.Pair,
				Side:          domain.OrderSideSell,
				CreatedAt:     now.UTC(),
				TriggerReason: fmt.Sprintf("max hold %s reached", st.strat.MaxHold),
			})
		}
		if st.strat.MinHold > 0 && held < st.strat.MinHold {
			return false, nil
		}
	}

	sig, _, err := r.engine.EvaluateStrategy(ctx, strategy.EvaluateParams{
		Strategy:  st.strat,
		Pair:      st.sess.Pair,
		SessionID: id,
		Position:  side,
		Mode:      st.sess.Mode,
		OwnerID:   st.sess.OwnerID,
	})
	if ctx.Err() != nil {
		return true, nil
	}
	if err != nil || sig == nil {
		return false, err
	}
	return r.act(ctx, st, sig)
}

// noteTrade starts the strategy cooldown once an order has filled.
func (r *Runner) noteTrade(ctx context.Context, sessionID string) {
	at := r.now().UTC()
	r.engine.NoteTrade(sessionID, at)
	if err := r.core.NoteDecision(ctx, sessionID, at); err != nil {
		r.logger.WarnContext(ctx, "record trade time failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

func (r *Runner) act(ctx context.Context, st *sessionState, sig *domain.Signal) (bool, error) {
	sess, err := r.core.Session(ctx, st.sess.ID)
	if err != nil {
		return false, err
	}
	st.sess = sess
	exec, err := r.core.Executor(&sess)
	if err != nil {
		return false, err
	}

	req := domain.OrderRequest{
		Pair:           sess.Pair,
		Side:           sig.Side,
		Kind:           domain.OrderKindMarket,
		IdempotencyKey: sig.ID,
		SignalID:       sig.ID,
	}
	if sig.Kind == domain.SignalExit {
		if st.position.Flat() {
			return false, nil
		}
		req.Quantity = st.position.Quantity
	} else {
		price := sig.Price
		if price <= 0 {
			if price, err = exec.CurrentPrice(ctx, sess.Pair); err != nil {
				return false, err
			}
		}
		balance, err := exec.CurrentBalance(ctx, &sess)
		if err != nil {
			balance = sess.CurrentBalance
		}
		if req.Quantity, err = OrderQuantity(st.strat.Sizing, price, balance); err != nil {
			return false, err
		}
	}

	res, err := r.core.ExecuteOrder(ctx, sess.ID, req)
	if err != nil {
		return false, err
	}
	if !res.Success || res.FilledQuantity <= 0 {
		r.logger.InfoContext(ctx, "signal not executed",
			slog.String("session_id", sess.ID),
			slog.String("signal_id", sig.ID),
			slog.String("reason", res.Error),
		)
		status, _, _ := r.core.GetSessionStatus(ctx, sess.ID)
		return status.Terminal(), nil
	}
	sig.MarkExecuted(res.OrderID)
	r.noteTrade(ctx, sess.ID)

	if sig.Kind == domain.SignalEntry {
		st.position = &domain.Position{
			SessionID:  sess.ID,
			Pair:       sess.Pair,
			Side:       domain.PositionLong,
			EntryPrice: res.FilledPrice,
			Quantity:   res.FilledQuantity,
			EntryFee:   res.Fee,
			OrderID:    res.OrderID,
			OpenedAt:   r.now(),
		}
		return false, nil
	}

	pnl := st.position.RealizedPnL(res.FilledPrice, res.Fee)
	st.position = nil
	if err := r.core.RecordTradeOutcome(ctx, sess.ID, pnl, pnl > 0); err != nil {
		return false, err
	}
	r.logger.InfoContext(ctx, "position closed",
		slog.String("session_id", sess.ID),
		slog.Float64("realized_pnl", pnl),
		slog.String("reason", sig.TriggerReason),
	)
	return false, nil
}
