package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newCoordinateCmd creates the 'coordinate' subcommand.
func newCoordinateCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "coordinate",
		Short: "Swaps aliases and flushes the cache once all pipelines are done",
		Long: `Evaluates the pipeline-run state kept in the coordination store. When
every pipeline has finished, the public aliases are moved to the newest
generation and the cache is flushed. With --once a single pass is made and
its result printed; otherwise passes repeat until interrupted.`,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			if once {
				eval, err := appInstance.Evaluate(cmd.Context())
				if err != nil {
					return fmt.Errorf("evaluate coordination: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), eval)
			}
			every := interval
			if every <= 0 {
				every = appInstance.Config().CoordinationInterval()
			}
			if every <= 0 {
				return errors.New("coordination interval must be > 0")
			}
			return appInstance.Coordinate(cmd.Context(), every)
		}),
	}
	cmd.Flags().BoolVar(&once, "once", false, "make a single pass and print the evaluation")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes (defaults to coordination.interval_seconds)")
	return cmd
}
