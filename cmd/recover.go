package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexdist/rcpsync/internal/metrics"
	"github.com/codexdist/rcpsync/internal/orchestrator"
)

var (
	recoverBatchID  string
	recoverRelaunch bool
	recoverWait     time.Duration
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Download again the EU documents that failed in a batch",
	Long: `Re-runs the EU download of every document of the batch whose PDF never
arrived (download failure or wrong content type). Uses the latest batch unless
--batch-id is given. With --relaunch, passes repeat after --wait while
failures remain and the previous pass recovered at least one file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		relaunch := cfg.Recovery.Relaunch
		if cmd.Flags().Changed("relaunch") {
			relaunch = recoverRelaunch
		}
		wait := cfg.Recovery.Wait
		if cmd.Flags().Changed("wait") {
			wait = recoverWait
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := orchestrator.New(cfg, getDB(), nil, logger).Recover(ctx, recoverBatchID, relaunch, wait)
		if res.BatchID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s: %d recovered in %d pass(es), %d still failing.\n",
				res.BatchID, res.Recovered, res.Passes, res.Remaining)
			m := metrics.New()
			m.ObserveRecover(res)
			if perr := m.Push(context.WithoutCancel(ctx), cfg.MetricsPushURL, res.BatchID, logger); perr != nil {
				logger.Warn("Failed to push metrics.", "error", perr)
			}
		}
		if err != nil {
			return fmt.Errorf("recover failed: %w", err)
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverBatchID, "batch-id", "", "Batch to recover (default: latest)")
	recoverCmd.Flags().BoolVar(&recoverRelaunch, "relaunch", false, "Repeat passes while they keep recovering files, overrides RELANCE_RATTRAPAGE_EU")
	recoverCmd.Flags().DurationVar(&recoverWait, "wait", 30*time.Second, "Pause between passes, overrides TEMPO_AVANT_RELANCE_RATTRAPAGE_EU")
}
