package cmd

import (
	"github.com/spf13/cobra"
)

// newSwapCmd creates the 'swap' subcommand, a manual alias swap that ignores
// pipeline state.
func newSwapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap",
		Short: "Points every public alias at its newest index generation",
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			results, err := appInstance.SwapAliases(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), results); werr != nil && err == nil {
				err = werr
			}
			return err
		}),
	}
}
