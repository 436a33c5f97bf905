package cmd

import (
	"github.com/spf13/cobra"

	"github.com/codexdist/rcpsync/internal/db"
)

var (
	stateLimit   int
	stateOutcome string
)

var stateCmd = &cobra.Command{
	Use:   "state [batch-id]",
	Short: "Show recent batches, or the audit rows of one batch",
	Long: `Without argument, lists the most recent batches with their file counts.
With a batch id, lists the audit rows of that batch. --outcome keeps rows
whose copy or transfer outcome matches.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		if len(args) == 0 {
			logger.Debug("Listing batches.", "limit", stateLimit)
			return db.DisplayBatchHistory(cmd.Context(), getDB(), cmd.OutOrStdout(), stateLimit)
		}
		logger.Debug("Listing batch files.", "batch_id", args[0], "outcome", stateOutcome, "limit", stateLimit)
		if _, err := db.GetBatch(cmd.Context(), getDB(), args[0]); err != nil {
			return err
		}
		return db.DisplayFileHistory(cmd.Context(), getDB(), cmd.OutOrStdout(), args[0], stateOutcome, stateLimit)
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 20, "Maximum number of rows displayed")
	stateCmd.Flags().StringVarP(&stateOutcome, "outcome", "e", "", "Filter rows by outcome (e.g. download-failed, transfer-failed)")
}
