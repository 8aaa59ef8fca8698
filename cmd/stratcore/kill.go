package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/stratcore/internal/app"
	"github.com/alanyoungcy/stratcore/internal/domain"
)

func newKillCmd() *cobra.Command {
	var scope, reason, actor string

	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Activate, deactivate or inspect kill switch scopes",
	}
	cmd.PersistentFlags().StringVar(&scope, "scope", "global", `scope: "global", "user:<id>" or "session:<id>"`)
	cmd.PersistentFlags().StringVar(&reason, "reason", "", "reason recorded in the history")
	cmd.PersistentFlags().StringVar(&actor, "actor", "cli", "who flipped the switch")

	set := func(active bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			sc, ok := domain.ParseScope(scope)
			if !ok {
				return fmt.Errorf("invalid scope %q", scope)
			}
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies, logger *slog.Logger) error {
				var err error
				if active {
					err = deps.KillSwitch.Activate(ctx, sc, reason, actor)
				} else {
					err = deps.KillSwitch.Deactivate(ctx, sc, reason, actor)
				}
				if err != nil {
					return err
				}
				logger.Info("kill switch updated", slog.String("scope", sc.String()), slog.Bool("active", active))
				return nil
			})
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "activate", Short: "Block new orders in a scope", Args: cobra.NoArgs, RunE: set(true)},
		&cobra.Command{Use: "deactivate", Short: "Allow orders in a scope again", Args: cobra.NoArgs, RunE: set(false)},
		&cobra.Command{
			Use:   "history",
			Short: "Print recent kill switch changes (all scopes unless --scope is given)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var sc domain.KillSwitchScope
				if cmd.Flags().Changed("scope") {
					var ok bool
					if sc, ok = domain.ParseScope(scope); !ok {
						return fmt.Errorf("invalid scope %q", scope)
					}
				}
				return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies, _ *slog.Logger) error {
					events, err := deps.KillSwitch.History(ctx, sc, 50)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					for _, ev := range events {
						fmt.Fprintf(out, "%s\t%-20s\tactive=%t\t%s\t%s\n",
							ev.CreatedAt.Format(time.RFC3339), ev.Scope, ev.Active, ev.Actor, ev.Reason)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// withDeps wires the stores for a one-shot command.
func withDeps(ctx context.Context, fn func(context.Context, *app.Dependencies, *slog.Logger) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Feed.Enabled = false
	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if !deps.Persistent {
		logger.Warn("postgres is disabled; the change only lives in this process")
	}
	return fn(ctx, deps, logger)
}
