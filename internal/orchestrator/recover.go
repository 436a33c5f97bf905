package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
)

// RecoverResult describes an EU download catch-up.
type RecoverResult struct {
	BatchID   string
	Passes    int
	Recovered int
	Remaining int
}

// Recover downloads again the EU documents of a batch whose PDF never
// arrived. An empty batchID selects the latest batch. With relaunch set,
// passes repeat after wait while failures remain and the previous pass
// recovered at least one file.
func (c *Coordinator) Recover(ctx context.Context, batchID string, relaunch bool, wait time.Duration) (RecoverResult, error) {
	var b db.Batch
	var err error
	if batchID == "" {
		b, err = db.LatestBatch(ctx, c.db)
	} else {
		b, err = db.GetBatch(ctx, c.db, batchID)
	}
	if err != nil {
		return RecoverResult{}, fmt.Errorf("select batch to recover: %w", err)
	}
	res := RecoverResult{BatchID: b.BatchID}
	logger := c.logger.With(slog.String("batch_id", b.BatchID), slog.String("stage", StageRecover))

	for {
		failed, err := db.FailedDownloads(ctx, c.db, b.BatchID)
		if err != nil {
			return res, err
		}
		res.Remaining = len(failed)
		if len(failed) == 0 {
			logger.Info("No failed EU downloads left.")
			return res, nil
		}
		res.Passes++
		logger.Info("Recovering EU downloads.", slog.Int("pass", res.Passes), slog.Int("failed", len(failed)))

		recovered, err := c.recoverPass(ctx, b.BatchID, failed)
		res.Recovered += recovered
		if err != nil {
			logger.Warn("Recovery pass finished with errors.", "error", err)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if !relaunch || recovered == 0 {
			if res.Remaining, err = c.remainingFailures(ctx, b.BatchID); err != nil {
				return res, err
			}
			logger.Info("Recovery finished.", slog.Int("recovered", res.Recovered), slog.Int("remaining", res.Remaining))
			return res, nil
		}
		logger.Info("Relaunching recovery after wait.", slog.Duration("wait", wait), slog.Int("recovered_last_pass", recovered))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Coordinator) remainingFailures(ctx context.Context, batchID string) (int, error) {
	failed, err := db.FailedDownloads(ctx, c.db, batchID)
	return len(failed), err
}

func (c *Coordinator) recoverPass(ctx context.Context, batchID string, failed []db.FileRecord) (int, error) {
	counter := newStageCounter(StageRecover, len(failed), c.progress)
	var recovered atomic.Int64
	var g throttle.Group
	for _, r := range failed {
		rec := document.Record{
			Kind:        document.KindEU,
			ProductCode: r.ProductCode,
			ProductName: r.ProductName,
			ATCCode:     r.ATCCode,
			ATCLabel:    r.ATCLabel,
			Princeps:    r.Princeps,
			SourceDir:   r.SourceDir,
			SourceName:  r.SourceName,
			URL:         r.SourceName,
		}
		g.Go(func() error {
			return c.euFiles.Do(ctx, func(ctx context.Context) error {
				local, err := c.fetcher.Download(ctx, batchID, rec, r.TargetDir)
				outcome := db.CopyDownloadFailed
				if local != "" {
					outcome = db.CopyDownloaded
					recovered.Add(1)
				}
				counter.item(r.TargetName, outcome, err)
				if err != nil {
					return fmt.Errorf("recover %s: %w", r.TargetName, err)
				}
				return c.euDelay.Sleep(ctx)
			})
		})
	}
	err := g.Wait()
	counter.finish(err)
	return int(recovered.Load()), err
}
