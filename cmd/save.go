package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/saver"
)

var saveOutput string

var saveCmd = &cobra.Command{
	Use:   "save [batch-id]",
	Short: "Archive the audit rows of a batch to a Parquet file",
	Long: `Writes every audit row of the batch (default: latest) to
{output}/audit_{batch}.parquet, Snappy compressed. The output directory
defaults to ARCHIVE_DIR.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		out := saveOutput
		if out == "" {
			out = getConfig().Paths.ArchiveDir
		}

		batchID := ""
		if len(args) > 0 {
			batchID = args[0]
		} else {
			b, err := db.LatestBatch(cmd.Context(), getDB())
			if err != nil {
				return fmt.Errorf("select batch to save: %w", err)
			}
			batchID = b.BatchID
		}

		logger.Info("Saving batch to Parquet.", slog.String("batch_id", batchID), slog.String("output_dir", out))
		path, n, err := saver.SaveBatch(cmd.Context(), getDB(), batchID, out, logger)
		if err != nil {
			return fmt.Errorf("save failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d rows)\n", path, n)
		return nil
	},
}

func init() {
	saveCmd.Flags().StringVarP(&saveOutput, "output", "o", "", "Output directory (default ARCHIVE_DIR)")
}
