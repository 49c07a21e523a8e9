package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nearby/internal/service"
)

var clearConfirmed bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every presence record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearConfirmed {
			return errors.New("refusing to delete all presence records without --yes")
		}
		ctx := cmd.Context()

		matcher, err := service.NewServiceBuilder(cfg, logger).Build(ctx)
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		defer matcher.Close()

		n, err := matcher.Clear(ctx)
		if err != nil {
			return err
		}
		logger.Warn("presence store cleared", "deleted", n)
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearConfirmed, "yes", false, "confirm deletion of all records")
}
