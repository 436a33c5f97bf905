package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
)

// frKinds are the enabled FR document kinds.
func (c *Coordinator) frKinds() []document.Kind {
	var kinds []document.Kind
	if c.cfg.Toggles.RCP {
		kinds = append(kinds, document.KindRCP)
	}
	if c.cfg.Toggles.Notice {
		kinds = append(kinds, document.KindNotice)
	}
	return kinds
}

// runDecentralized copies the FR documents listed by the source into the
// layout and returns every FR audit row of the batch. Item failures are
// logged and recorded, never returned.
func (c *Coordinator) runDecentralized(ctx context.Context, batchID string, layout document.Layout) ([]db.FileRecord, error) {
	logger := c.logger.With(slog.String("pipeline", StageDecentralized))
	kinds := c.frKinds()
	if len(kinds) == 0 {
		logger.Info("No FR document kind enabled (TRAITEMENT_RCP, TRAITEMENT_NOTICE).")
		return nil, nil
	}

	var listErr error
	for _, kind := range kinds {
		rows, err := c.src.ListDocuments(ctx, kind)
		if err != nil {
			logger.Error("Failed to list documents.", slog.String("kind", string(kind)), "error", err)
			listErr = errors.Join(listErr, err)
			continue
		}
		rows = capRows(rows, c.cfg.MaxFiles)
		logger.Info("Copying documents.", slog.String("kind", string(kind)), slog.Int("count", len(rows)), slog.String("limiter", c.frFiles.Name()))

		counter := newStageCounter(StageDecentralized, len(rows), c.progress)
		targetDir := layout.Dir(kind)
		var g throttle.Group
		for _, row := range rows {
			rec := row.Record(kind, c.cfg.Paths.SourceDir)
			g.Go(func() error {
				return c.frFiles.Do(ctx, func(ctx context.Context) error {
					res, err := c.copier.Copy(ctx, batchID, rec, targetDir)
					counter.item(res.TargetName, res.Outcome, err)
					if err != nil {
						return fmt.Errorf("%s %s: %w", kind, rec.SourceName, err)
					}
					return nil
				})
			})
		}
		err = g.Wait()
		if err != nil {
			logger.Warn("Some documents failed.", slog.String("kind", string(kind)), slog.Int("failed", g.Failed()))
		}
		counter.finish(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	recs, err := db.FilesForBatch(ctx, c.db, batchID, document.KindRCP, document.KindNotice)
	if err != nil {
		return nil, errors.Join(listErr, err)
	}
	logger.Info("FR pipeline done.", slog.Int("rows", len(recs)), slog.Int64("copied", c.copier.Copied()))
	return recs, listErr
}

// capRows truncates rows to limit before any work is scheduled.
func capRows[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
