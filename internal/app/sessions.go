package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/stratcore/internal/config"
	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/execution"
	"github.com/alanyoungcy/stratcore/internal/strategy"
)

// startSessions loads the strategy documents and creates, or picks up again,
// every configured session. It returns the IDs that need a runner.
func (a *App) startSessions(ctx context.Context, deps *Dependencies) ([]string, error) {
	if len(a.cfg.Sessions) == 0 {
		a.logger.InfoContext(ctx, "no sessions configured")
		return nil, nil
	}
	names, err := deps.Strategies.LoadDir(a.cfg.StrategiesDir)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "strategies loaded", slog.Any("names", names))

	ids := make([]string, 0, len(a.cfg.Sessions))
	for _, sc := range a.cfg.Sessions {
		id, err := a.startSession(ctx, deps, sc)
		if err != nil {
			return nil, fmt.Errorf("session %s/%s: %w", sc.Owner, sc.Strategy, err)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (a *App) startSession(ctx context.Context, deps *Dependencies, sc config.SessionConfig) (string, error) {
	strat, err := deps.Strategies.Get(sc.Strategy)
	if err != nil {
		return "", err
	}
	mode := domain.Mode(strings.ToLower(sc.Mode))

	if sc.ID != "" {
		existing, err := deps.Core.Session(ctx, sc.ID)
		switch {
		case err == nil:
			return a.resume(ctx, existing, strat), nil
		case !errors.Is(err, domain.ErrNotFound):
			return "", err
		}
	}

	if mode == domain.ModeBacktest {
		a.seedSimulatedPrice(ctx, deps, sc.Pair)
	}
	sess, err := deps.Core.CreateSession(ctx, execution.CreateSessionParams{
		SessionID:      sc.ID,
		OwnerID:        sc.Owner,
		BotID:          sc.Bot,
		Mode:           mode,
		Pair:           sc.Pair,
		Timeframe:      sc.Timeframe,
		Strategy:       strat,
		InitialBalance: sc.InitialBalance,
		Limits:         sc.Limits,
		LiveOptIn:      sc.LiveOptIn,
	})
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// resume returns the ID of a persisted session that can still run. The
// persisted strategy document wins over the file on disk.
func (a *App) resume(ctx context.Context, sess domain.TradingSession, strat domain.Strategy) string {
	log := a.logger.With(slog.String("session_id", sess.ID))
	if sess.Status.Terminal() {
		log.InfoContext(ctx, "session already ended", slog.String("status", string(sess.Status)))
		return ""
	}
	if hash, err := strategy.ConfigHash(strat); err == nil && hash != sess.ConfigHash {
		log.WarnContext(ctx, "strategy file changed; running the stored config",
			slog.String("stored_hash", sess.ConfigHash),
			slog.String("file_hash", hash),
		)
	}
	log.InfoContext(ctx, "resuming session", slog.String("status", string(sess.Status)))
	return sess.ID
}

// seedSimulatedPrice gives backtest sessions a starting price before the
// ticker feed delivers one.
func (a *App) seedSimulatedPrice(ctx context.Context, deps *Dependencies, pair string) {
	t, err := deps.Venue.Ticker(ctx, pair)
	if err != nil {
		a.logger.WarnContext(ctx, "seed simulated price failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
		return
	}
	deps.Simulated.SetPrice(pair, t.Last)
}
