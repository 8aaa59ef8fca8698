package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/stratcore/internal/strategy"
)

func newStrategyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Work with strategy documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a JSON or YAML strategy and print its config hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := strategy.ParseFile(args[0])
			if err != nil {
				return err
			}
			hash, err := strategy.ConfigHash(s)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:        %s\n", s.Name)
			fmt.Fprintf(out, "timeframe:   %s\n", s.Timeframe)
			fmt.Fprintf(out, "config_hash: %s\n", hash)
			id := s.ID
			if id == "" {
				id = "strat-" + hash[:12]
			}
			fmt.Fprintf(out, "strategy_id: %s\n", id)
			return nil
		},
	})
	return cmd
}
