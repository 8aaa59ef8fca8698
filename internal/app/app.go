// Package app provides the top-level application lifecycle management for
// stratcore. It wires together all dependencies (stores, caches, blob storage,
// the venue, the decision engine and the execution core) and runs the
// configured sessions together with their background workers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stratcore/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the background workers and one runner
// per configured session, and blocks until the context is cancelled or a
// worker fails. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.Int("sessions", len(a.cfg.Sessions)),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if err := deps.KillSwitch.Refresh(ctx); err != nil {
		return fmt.Errorf("app: load kill switch flags: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.KillSwitch.Watch(ctx) })
	g.Go(func() error { return deps.Guard.Run(ctx, time.Minute) })

	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error { return deps.Metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger) })
	}
	if deps.Feed != nil {
		g.Go(func() error { return deps.Feed.Run(ctx) })
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention.Duration)
		})
	}

	ids, err := a.startSessions(ctx, deps)
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("app: start sessions: %w", err)
	}
	for _, id := range ids {
		g.Go(func() error { return deps.Runner.Run(ctx, id) })
	}

	if err := g.Wait(); err != nil && parent.Err() == nil {
		return err
	}
	return nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
