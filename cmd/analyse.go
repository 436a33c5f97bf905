package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexdist/rcpsync/internal/analyser"
)

var analyseCmd = &cobra.Command{
	Use:   "analyse [batch-id]",
	Short: "Break down the outcomes of a batch by document kind",
	Long: `Runs aggregate queries over the audit database for the batch (default:
latest): files per kind, copy outcome and transfer outcome, plus delivered,
pending and failed totals.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID := ""
		if len(args) > 0 {
			batchID = args[0]
		}
		rep, err := analyser.Analyse(cmd.Context(), getDB(), batchID, getLogger())
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		rep.Print(cmd.OutOrStdout())
		return nil
	},
}
