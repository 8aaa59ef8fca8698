package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/stratcore/internal/app"
	"github.com/alanyoungcy/stratcore/internal/domain"
	"github.com/alanyoungcy/stratcore/internal/execution"
	"github.com/alanyoungcy/stratcore/internal/service"
)

func newEventsCmd() *cobra.Command {
	var (
		after  string
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:       "events <orders|trades>",
		Short:     "Print order or trade events from the Redis stream",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{execution.OrdersStream, service.TradeStream},
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := args[0]
			if stream != execution.OrdersStream && stream != service.TradeStream {
				return fmt.Errorf("unknown stream %q", stream)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return fmt.Errorf("events: streams need redis.enabled")
			}
			cfg.Feed.Enabled = false
			ctx := cmd.Context()
			deps, cleanup, err := app.Wire(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			for {
				if after, err = printStream(ctx, deps.SignalBus, out, stream, after, limit); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		},
	}
	cmd.Flags().StringVar(&after, "after", "0", "stream id to read after")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries per read")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new entries")
	return cmd
}

// printStream writes one "id<TAB>payload" line per entry after the cursor and
// returns the new cursor.
func printStream(ctx context.Context, bus domain.SignalBus, w io.Writer, stream, after string, limit int) (string, error) {
	msgs, err := bus.StreamRead(ctx, stream, after, limit)
	if err != nil {
		return after, err
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\n", m.ID, m.Payload)
		after = m.ID
	}
	return after, nil
}
