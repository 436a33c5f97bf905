package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexdist/rcpsync/internal/app"
	"github.com/codexdist/rcpsync/internal/metrics"
	"github.com/codexdist/rcpsync/internal/orchestrator"
	"github.com/codexdist/rcpsync/internal/source"
)

var (
	runBatchID  string
	runTUI      bool
	runMaxFiles int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch: collect documents, write reports, transfer over SFTP",
	Long: `Performs one batch:
1. Creates a batch (or resumes --batch-id, skipping acquisition).
2. Copies French RCP/Notice documents and downloads EU documents concurrently.
3. Writes the reduced and full Excel reports.
4. Transfers pending files over SFTP, retrying failed uploads, then sends
   the reduced report once nothing remains.
Phases are enabled by the TRAITEMENT_* and TRANSFERT_SFTP_* variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		if cmd.Flags().Changed("max-files") {
			cfg.MaxFiles = runMaxFiles
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var src source.Source
		if runBatchID == "" && (cfg.Toggles.Decentralized || cfg.Toggles.Centralized) {
			m, err := source.OpenMySQL(ctx, cfg.Source, logger)
			if err != nil {
				return err
			}
			defer m.Close()
			src = m
		}

		runLogger := logger
		if runTUI && logsToTerminal() {
			logger.Info("Terminal view enabled, logs are silenced until the run ends. Use --log-output to keep them.")
			runLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}

		runBatch := func(ctx context.Context, progress orchestrator.ProgressFunc) (orchestrator.Summary, error) {
			var opts []orchestrator.Option
			if progress != nil {
				opts = append(opts, orchestrator.WithProgress(progress))
			}
			return orchestrator.New(cfg, getDB(), src, runLogger, opts...).Run(ctx, runBatchID)
		}

		var summary orchestrator.Summary
		var runErr error
		if runTUI {
			runErr = app.Run(ctx, "rcpsync run", func(ctx context.Context, progress orchestrator.ProgressFunc) (string, error) {
				s, err := runBatch(ctx, progress)
				summary = s
				return summaryLine(s), err
			})
		} else {
			summary, runErr = runBatch(ctx, nil)
			fmt.Fprintln(cmd.OutOrStdout(), summaryLine(summary))
		}

		if summary.BatchID != "" {
			m := metrics.New()
			m.ObserveRun(summary)
			if err := m.Push(context.WithoutCancel(ctx), cfg.MetricsPushURL, summary.BatchID, logger); err != nil {
				logger.Warn("Failed to push metrics.", "error", err)
			}
		}

		if runErr != nil {
			logger.Error("Run completed with errors.", "batch_id", summary.BatchID, "error", runErr)
			return fmt.Errorf("run failed: %w", runErr)
		}
		logger.Info("Run completed successfully.", "batch_id", summary.BatchID)
		return nil
	},
}

func summaryLine(s orchestrator.Summary) string {
	if s.BatchID == "" {
		return "No batch created."
	}
	report := s.ReportOutcome
	if report == "" {
		report = "-"
	}
	return fmt.Sprintf("Batch %s %s in %s: %d files (R %d, N %d, E %d), %d uploaded, remaining FR %d EU %d, report %s.",
		s.BatchID, s.State, s.Duration.Round(time.Second),
		s.Counts.Total, s.Counts.R, s.Counts.N, s.Counts.E,
		s.Uploaded, s.RemainingFR, s.RemainingEU, report)
}

func init() {
	runCmd.Flags().StringVar(&runBatchID, "batch-id", "", "Resume an existing batch: skip acquisition, regenerate reports and retry transfers")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show a live terminal view of the run")
	runCmd.Flags().IntVar(&runMaxFiles, "max-files", 0, "Cap the number of source rows per pipeline (0 = no cap), overrides MAX_FILES_TO_PROCESS")
}
