package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
)

var tracer = otel.Tracer("stratcore.strategy")

// EngineConfig tunes the decision engine.
type EngineConfig struct {
	// ConfirmationBypass lets an entry proceed without confirmation when its
	// (possibly halved) confidence reaches this value.
	ConfirmationBypass float64
	// EvaluationTimeout bounds the market data fetch of one evaluation.
	EvaluationTimeout time.Duration
	// MinLookback is the minimum number of bars requested per timeframe.
	MinLookback int
	// RecentLimit bounds the in-memory ring of emitted signals.
	RecentLimit int
}

// DefaultEngineConfig returns the stock policy values.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConfirmationBypass: 0.7,
		EvaluationTimeout:  10 * time.Second,
		MinLookback:        2,
		RecentLimit:        500,
	}
}

// EvaluateParams identifies one evaluation request.
type EvaluateParams struct {
	Strategy  domain.Strategy
	Pair      string
	SessionID string
	Position  domain.PositionSide
	Mode      domain.Mode
	OwnerID   string
}

// Engine turns strategies and market data into signals. Evaluation is
// read-only against market data and may run concurrently for any number of
// sessions; only the cooldown bookkeeping and the recent-signal ring are
// guarded by mu.
type Engine struct {
	provider domain.MarketDataProvider
	eval     Evaluator
	cfg      EngineConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	lastDecision  map[string]time.Time
	recentSignals []domain.Signal
}

// NewEngine creates an Engine reading indicator values from provider.
func NewEngine(provider domain.MarketDataProvider, cfg EngineConfig, m *metrics.Metrics, logger *slog.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.ConfirmationBypass <= 0 {
		cfg.ConfirmationBypass = def.ConfirmationBypass
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = def.EvaluationTimeout
	}
	if cfg.MinLookback < 2 {
		cfg.MinLookback = def.MinLookback
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	return &Engine{
		provider:     provider,
		eval:         NewEvaluator(),
		cfg:          cfg,
		metrics:      m,
		logger:       logger.With(slog.String("component", "decision_engine")),
		now:          time.Now,
		lastDecision: make(map[string]time.Time),
	}
}

// CheckCooldown reports whether the session is still cooling down from its
// last executed trade.
func (e *Engine) CheckCooldown(sessionID string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	e.mu.Lock()
	last, ok := e.lastDecision[sessionID]
	e.mu.Unlock()
	return ok && e.now().Before(last.Add(cooldown))
}

// NoteTrade starts the session's cooldown at the given time. Emitted
// signals do not count until their order fills. Times older than the one
// already held are ignored, so a persisted session can seed it on restart.
func (e *Engine) NoteTrade(sessionID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.lastDecision[sessionID]; !ok || at.After(cur) {
		e.lastDecision[sessionID] = at
	}
}

// ForgetSession drops cooldown state for a finished session.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	delete(e.lastDecision, sessionID)
	e.mu.Unlock()
}

// RecentSignals returns up to limit most recent emitted signals, newest first.
func (e *Engine) RecentSignals(limit int) []domain.Signal {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentSignals)
	if limit > n {
		limit = n
	}
	out := make([]domain.Signal, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentSignals[i])
	}
	return out
}

// EvaluateStrategy runs one decision pass. It returns a nil signal when no
// rule fired. Any market data failure aborts the pass with no signal; a
// *domain.DataIntegrityError is returned unchanged.
func (e *Engine) EvaluateStrategy(ctx context.Context, p EvaluateParams) (*domain.Signal, domain.Evaluation, error) {
	start := e.now()
	ctx, span := tracer.Start(ctx, "DecisionEngine.EvaluateStrategy",
		trace.WithAttributes(
			attribute.String("strategy.id", p.Strategy.ID),
			attribute.String("session.id", p.SessionID),
			attribute.String("pair", p.Pair),
			attribute.String("mode", string(p.Mode)),
		),
	)
	defer span.End()

	ev := domain.Evaluation{
		StrategyID: p.Strategy.ID,
		SessionID:  p.SessionID,
		Pair:       p.Pair,
		Mode:       p.Mode,
		Position:   p.Position,
	}
	if !p.Mode.Valid() {
		err := &domain.ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", p.Mode)}
		e.fail(span, &ev, start, err)
		return nil, ev, err
	}

	refs := p.Strategy.References()
	values, source, price, err := e.fetch(ctx, p, refs)
	ev.Source = source
	if err != nil {
		e.fail(span, &ev, start, err)
		e.logger.WarnContext(ctx, "evaluation aborted",
			slog.String("session_id", p.SessionID),
			slog.String("pair", p.Pair),
			slog.String("error", err.Error()),
		)
		return nil, ev, err
	}

	snapshot := make(map[string]float64, len(refs))
	for _, r := range refs {
		if v, ok := values.Current(r); ok {
			snapshot[r.Key()] = v
		}
	}
	if price == 0 {
		price = snapshot[domain.NewIndicatorReference(domain.IndicatorPrice, nil, p.Strategy.Timeframe, "", 0).Key()]
	}

	sig := e.decide(p, values, &ev)
	ev.Duration = e.now().Sub(start)
	if sig == nil {
		e.metrics.ObserveEvaluation("none", ev.Duration)
		span.SetAttributes(attribute.Bool("signal", false))
		return nil, ev, nil
	}

	sig.ID = uuid.NewString()
	sig.StrategyID = p.Strategy.ID
	sig.SessionID = p.SessionID
	sig.Pair = p.Pair
	sig.Price = price
	sig.CreatedAt = e.now().UTC()
	sig.Snapshot = snapshot

	e.record(*sig)
	e.metrics.ObserveEvaluation("signal", ev.Duration)
	e.metrics.ObserveSignal(string(sig.Kind), string(sig.Side))
	span.SetAttributes(
		attribute.Bool("signal", true),
		attribute.String("signal.kind", string(sig.Kind)),
		attribute.Float64("signal.confidence", sig.Confidence),
	)
	e.logger.InfoContext(ctx, "signal emitted",
		slog.String("signal_id", sig.ID),
		slog.String("session_id", p.SessionID),
		slog.String("kind", string(sig.Kind)),
		slog.String("side", string(sig.Side)),
		slog.Float64("confidence", sig.Confidence),
		slog.String("reason", sig.TriggerReason),
	)
	return sig, ev, nil
}

// decide applies the exit-first / entry-with-confirmation policy.
func (e *Engine) decide(p EvaluateParams, values domain.IndicatorValues, ev *domain.Evaluation) *domain.Signal {
	s := p.Strategy
	switch p.Position {
	case domain.PositionLong, domain.PositionShort:
		ev.Phase = domain.SignalExit
		res := e.eval.EvaluateGroup(s.Exit, values)
		ev.Satisfied, ev.Confidence, ev.Trace = res.Satisfied, res.Confidence, res.Trace
		if !res.Satisfied {
			return nil
		}
		side := domain.OrderSideSell
		if p.Position == domain.PositionShort {
			side = domain.OrderSideBuy
		}
		return &domain.Signal{
			Kind:          domain.SignalExit,
			Side:          side,
			Confidence:    res.Confidence,
			Trace:         res.Trace,
			TriggerReason: fmt.Sprintf("exit rules satisfied (%s, confidence %.2f)", res.Trace.Detail, res.Confidence),
		}
	}

	ev.Phase = domain.SignalEntry
	res := e.eval.EvaluateGroup(s.Entry, values)
	ev.Satisfied, ev.Confidence, ev.Trace = res.Satisfied, res.Confidence, res.Trace
	if !res.Satisfied {
		return nil
	}

	conf := res.Confidence
	tree := res.Trace
	confirmed := true
	reason := fmt.Sprintf("entry rules satisfied (%s)", res.Trace.Detail)
	if s.Confirmation != nil {
		c := e.eval.EvaluateGroup(*s.Confirmation, values)
		confirmed = c.Satisfied
		ev.Confirmed = &confirmed
		if c.Satisfied {
			conf = (conf + c.Confidence) / 2
			reason += ", confirmed"
		} else {
			conf /= 2
			reason += ", confirmation failed"
		}
		tree = domain.NodeResult{
			Label:      "entry+confirmation",
			Satisfied:  true,
			Confidence: conf,
			Children:   []domain.NodeResult{res.Trace, c.Trace},
		}
	}
	ev.Confidence = conf
	ev.Trace = tree
	if !confirmed && conf < e.cfg.ConfirmationBypass {
		return nil
	}
	if !confirmed {
		reason += fmt.Sprintf(", bypassed at confidence %.2f", conf)
	}
	return &domain.Signal{
		Kind:          domain.SignalEntry,
		Side:          domain.OrderSideBuy,
		Confidence:    conf,
		Trace:         tree,
		TriggerReason: reason,
	}
}

// fetch requests all references grouped by timeframe, one provider call per
// timeframe, concurrently.
func (e *Engine) fetch(ctx context.Context, p EvaluateParams, refs []domain.IndicatorReference) (domain.IndicatorValues, domain.CandleSource, float64, error) {
	byTF := make(map[string][]domain.IndicatorReference)
	for _, r := range refs {
		byTF[r.Timeframe] = append(byTF[r.Timeframe], r)
	}
	timeframes := make([]string, 0, len(byTF))
	for tf := range byTF {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(fetchCtx)

	var mu sync.Mutex
	values := make(domain.IndicatorValues)
	var primary domain.CandleSource
	var price float64

	for _, tf := range timeframes {
		tfRefs := byTF[tf]
		g.Go(func() error {
			lookback := e.cfg.MinLookback
			for _, r := range tfRefs {
				if need := r.Offset + 2; need > lookback {
					lookback = need
				}
			}
			resp, err := e.provider.IndicatorValues(gctx, domain.IndicatorRequest{
				Pair:       p.Pair,
				Timeframe:  tf,
				References: tfRefs,
				Lookback:   lookback,
				Mode:       p.Mode,
				OwnerID:    p.OwnerID,
			})
			if err != nil {
				var die *domain.DataIntegrityError
				if errors.As(err, &die) {
					return err
				}
				return fmt.Errorf("strategy: fetch %s %s: %w", p.Pair, tf, err)
			}
			if p.Mode == domain.ModeLive && !resp.Source.SatisfiesLive() {
				return &domain.DataIntegrityError{
					Pair:   p.Pair,
					Mode:   p.Mode,
					Reason: fmt.Sprintf("candle source %q is not a verified live venue", resp.Source.Venue),
				}
			}
			mu.Lock()
			defer mu.Unlock()
			values.Merge(resp.Values)
			if tf == p.Strategy.Timeframe || primary.Venue == "" {
				primary = resp.Source
				if resp.Price > 0 {
					price = resp.Price
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, primary, 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, primary, 0, &domain.DataIntegrityError{
				Pair:   p.Pair,
				Mode:   p.Mode,
				Reason: fmt.Sprintf("market data fetch timed out after %s", e.cfg.EvaluationTimeout),
			}
		}
		return nil, primary, 0, err
	}
	return values, primary, price, nil
}

func (e *Engine) record(sig domain.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentSignals = append(e.recentSignals, sig)
	if over := len(e.recentSignals) - e.cfg.RecentLimit; over > 0 {
		e.recentSignals = append(e.recentSignals[:0:0], e.recentSignals[over:]...)
	}
}

func (e *Engine) fail(span trace.Span, ev *domain.Evaluation, start time.Time, err error) {
	ev.Duration = e.now().Sub(start)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.metrics.ObserveEvaluation("error", ev.Duration)
}
