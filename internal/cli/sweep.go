package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nearby/internal/service"
)

var sweepCutoff string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired presence records once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		matcher, err := service.NewServiceBuilder(cfg, logger).Build(ctx)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer matcher.Close()

		sw, err := newSweeper(cfg, matcher)
		if err != nil {
			return err
		}

		var deleted int64
		if sweepCutoff != "" {
			cutoff, perr := time.Parse(time.RFC3339, sweepCutoff)
			if perr != nil {
				return fmt.Errorf("invalid --cutoff: %w", perr)
			}
			deleted, err = sw.SweepAt(ctx, cutoff)
		} else {
			deleted, err = sw.SweepOnce(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired records\n", deleted)
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepCutoff, "cutoff", "", "delete records expiring before this RFC3339 time (default now)")
}
