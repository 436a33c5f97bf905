package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexdist/rcpsync/internal/inspector"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.parquet>...",
	Short: "Summarize audit Parquet archives written by 'save'",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		var errs []error
		for _, path := range args {
			s, err := inspector.Inspect(path)
			if err != nil {
				logger.Error("Failed to inspect archive.", "path", path, "error", err)
				errs = append(errs, err)
				continue
			}
			s.Print(cmd.OutOrStdout())
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		return nil
	},
}
