package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/metrics"
)

// RiskCode classifies a risk rejection.
type RiskCode string

const (
	RiskKillSwitch          RiskCode = "kill_switch"
	RiskKillSwitchUnknown   RiskCode = "kill_switch_unavailable"
	RiskCooldown            RiskCode = "cooldown"
	RiskDailyTrades         RiskCode = "daily_trade_limit"
	RiskConcurrentPositions RiskCode = "concurrent_positions"
	RiskDailyLoss           RiskCode = "daily_loss_limit"
	RiskUnsupportedPair     RiskCode = "unsupported_pair"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	// LossStreakCooldown is how long trading pauses once the consecutive
	// loss count reaches the session's threshold.
	LossStreakCooldown time.Duration
	// SupportedPairs restricts tradable pairs. Empty allows every pair.
	SupportedPairs []string
}

// RiskDecision is the structured outcome of a pre-trade check.
type RiskDecision struct {
	Allowed bool
	Code    RiskCode
	Reason  string
	Flag    *domain.KillSwitchFlag // set for kill switch rejections
}

// KillSwitchChecker is the part of the kill switch the risk manager needs.
type KillSwitchChecker interface {
	CheckAll(ctx context.Context, userID, sessionID string) (domain.KillSwitchFlag, bool, error)
}

// RiskService validates prospective orders against a session's limits and
// the kill switch. It never mutates the store; callers persist counters.
type RiskService struct {
	kill    KillSwitchChecker
	cfg     RiskConfig
	pairs   map[string]bool
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRiskService creates a RiskService with all required dependencies.
func NewRiskService(kill KillSwitchChecker, cfg RiskConfig, m *metrics.Metrics, logger *slog.Logger) *RiskService {
	if cfg.LossStreakCooldown <= 0 {
		cfg.LossStreakCooldown = 30 * time.Minute
	}
	pairs := make(map[string]bool, len(cfg.SupportedPairs))
	for _, p := range cfg.SupportedPairs {
		pairs[domain.NormalizePair(p)] = true
	}
	return &RiskService{
		kill:    kill,
		cfg:     cfg,
		pairs:   pairs,
		metrics: m,
		logger:  logger.With(slog.String("component", "risk")),
		now:     time.Now,
	}
}

// SupportsPair reports whether pair is tradable.
func (s *RiskService) SupportsPair(pair string) bool {
	if _, _, ok := domain.SplitPair(pair); !ok {
		return false
	}
	return len(s.pairs) == 0 || s.pairs[domain.NormalizePair(pair)]
}

// ValidateOrder returns whether the order may proceed and, if not, why.
func (s *RiskService) ValidateOrder(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) (bool, string) {
	d := s.Check(ctx, sess, req)
	return d.Allowed, d.Reason
}

// Check runs the pre-trade checks in order; the first failure wins:
//  1. kill switch (global, user, session)
//  2. loss-streak cooldown window
//  3. trades per day
//  4. concurrent positions (buys only)
//  5. daily loss percentage
//  6. pair support
func (s *RiskService) Check(ctx context.Context, sess *domain.TradingSession, req domain.OrderRequest) RiskDecision {
	now := s.now()

	flag, active, err := s.kill.CheckAll(ctx, sess.OwnerID, sess.ID)
	if err != nil {
		return s.reject(ctx, sess, RiskKillSwitchUnknown, fmt.Sprintf("kill switch state unavailable: %v", err), nil)
	}
	if active {
		return s.reject(ctx, sess, RiskKillSwitch,
			fmt.Sprintf("kill switch active (%s): %s", flag.Scope, flag.Reason), &flag)
	}

	c := sess.Counters
	if c.CooldownUntil != nil && now.Before(*c.CooldownUntil) {
		return s.reject(ctx, sess, RiskCooldown,
			fmt.Sprintf("cooldown active until %s after %d consecutive losses", c.CooldownUntil.UTC().Format(time.RFC3339), c.ConsecutiveLosses), nil)
	}

	l := sess.Limits
	if l.MaxTradesPerDay > 0 && c.TradesToday >= l.MaxTradesPerDay {
		return s.reject(ctx, sess, RiskDailyTrades,
			fmt.Sprintf("daily trade limit reached (%d/%d)", c.TradesToday, l.MaxTradesPerDay), nil)
	}

	if req.Side == domain.OrderSideBuy && l.MaxConcurrentPositions > 0 && c.OpenPositions >= l.MaxConcurrentPositions {
		return s.reject(ctx, sess, RiskConcurrentPositions,
			fmt.Sprintf("max concurrent positions reached (%d/%d)", c.OpenPositions, l.MaxConcurrentPositions), nil)
	}

	if l.MaxDailyLossPercent > 0 && sess.InitialBalance > 0 {
		lossPct := math.Abs(math.Min(0, c.DailyPnL)) / sess.InitialBalance * 100
		if lossPct >= l.MaxDailyLossPercent {
			return s.reject(ctx, sess, RiskDailyLoss,
				fmt.Sprintf("daily loss limit reached (%.2f%% >= %.2f%%)", lossPct, l.MaxDailyLossPercent), nil)
		}
	}

	if !s.SupportsPair(req.Pair) {
		return s.reject(ctx, sess, RiskUnsupportedPair, fmt.Sprintf("pair %s is not supported", req.Pair), nil)
	}
	if domain.NormalizePair(req.Pair) != domain.NormalizePair(sess.Pair) {
		return s.reject(ctx, sess, RiskUnsupportedPair,
			fmt.Sprintf("pair %s does not match session pair %s", req.Pair, sess.Pair), nil)
	}

	return RiskDecision{Allowed: true}
}

func (s *RiskService) reject(ctx context.Context, sess *domain.TradingSession, code RiskCode, reason string, flag *domain.KillSwitchFlag) RiskDecision {
	s.metrics.ObserveRiskRejection(string(code))
	s.logger.WarnContext(ctx, "order rejected by risk",
		slog.String("session_id", sess.ID),
		slog.String("code", string(code)),
		slog.String("reason", reason),
	)
	return RiskDecision{Allowed: false, Code: code, Reason: reason, Flag: flag}
}

// UpdateAfterTrade records a closed trade. A loss increments the streak and,
// exactly when the streak reaches the session threshold, starts the cooldown.
// Only a win resets the streak.
func (s *RiskService) UpdateAfterTrade(sess *domain.TradingSession, pnl float64, isWin bool) {
	now := s.now()
	s.RollDay(sess, now)

	c := &sess.Counters
	c.TradesToday++
	c.DailyPnL += pnl
	if isWin {
		c.ConsecutiveLosses = 0
		return
	}
	c.ConsecutiveLosses++
	if th := sess.Limits.CooldownAfterLossStreak; th > 0 && c.ConsecutiveLosses == th {
		until := now.Add(s.cfg.LossStreakCooldown).UTC()
		c.CooldownUntil = &until
		s.logger.Warn("loss streak cooldown started",
			slog.String("session_id", sess.ID),
			slog.Int("consecutive_losses", c.ConsecutiveLosses),
			slog.Time("until", until),
		)
	}
}

// RollDay resets the daily counters when the UTC day changed since they were
// last touched. It reports whether a reset happened.
func (s *RiskService) RollDay(sess *domain.TradingSession, now time.Time) bool {
	day := now.UTC().Format(time.DateOnly)
	c := &sess.Counters
	if c.Day == day {
		return false
	}
	rolled := c.Day != ""
	if rolled {
		c.TradesToday = 0
		c.DailyPnL = 0
	}
	c.Day = day
	return rolled
}
