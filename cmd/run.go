package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
)

// runOutput is what the run command prints.
type runOutput struct {
	Run        ingest.Run        `json:"run"`
	Evaluation *coord.Evaluation `json:"evaluation,omitempty"`
}

// newRunCmd creates the 'run' subcommand, which ingests sources in the
// foreground and then gives the coordinator a chance to swap aliases.
func newRunCmd() *cobra.Command {
	var skipEvaluate bool
	cmd := &cobra.Command{
		Use:   "run [source...]",
		Short: "Runs the given sources (all when none are named) once",
		Long: `Runs every named source end to end into a fresh index generation.
Without arguments the whole source catalog is run. After the run the
coordinator is evaluated so aliases move when every pipeline is done.`,
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			run, execErr := appInstance.Execute(cmd.Context(), args)
			out := runOutput{Run: run}
			if execErr != nil {
				appInstance.Logger().Error("run failed", zap.String("run_id", run.ID), zap.Error(execErr))
			}
			if !skipEvaluate && execErr == nil {
				eval, err := appInstance.Evaluate(cmd.Context())
				if err != nil {
					return fmt.Errorf("evaluate coordination: %w", err)
				}
				out.Evaluation = &eval
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if execErr != nil {
				return fmt.Errorf("run %s: %w", run.ID, execErr)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&skipEvaluate, "no-evaluate", false, "skip the coordination pass after the run")
	return cmd
}
