package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
)

// Reconciler retries pending transfers of one side (FR or EU) of a batch
// until none remain or the pass budget is spent.
type Reconciler struct {
	dbConn     *sql.DB
	engine     *Engine
	limiter    *throttle.Limiter
	layout     document.Layout
	remoteBase string
	passes     int
	logger     *slog.Logger
}

// NewReconciler returns a reconciler pushing files under remoteBase
// through limiter.
func NewReconciler(dbConn *sql.DB, engine *Engine, limiter *throttle.Limiter, layout document.Layout, remoteBase string, passes int, logger *slog.Logger) *Reconciler {
	if passes < 1 {
		passes = 1
	}
	return &Reconciler{
		dbConn:     dbConn,
		engine:     engine,
		limiter:    limiter,
		layout:     layout,
		remoteBase: remoteBase,
		passes:     passes,
		logger:     logger.With(slog.String("limiter", limiter.Name())),
	}
}

// RemoteDir is the remote directory of kind.
func (r *Reconciler) RemoteDir(kind document.Kind) string {
	return path.Join(r.remoteBase, r.layout.RemoteSubdir(kind))
}

// Run transfers every pending row of kinds and returns how many are still
// pending afterwards. Individual transfer failures are not errors; only
// audit store failures and cancellation are.
func (r *Reconciler) Run(ctx context.Context, batchID string, kinds ...document.Kind) (int, error) {
	for pass := 1; pass <= r.passes; pass++ {
		pending, err := db.PendingTransfers(ctx, r.dbConn, batchID, kinds...)
		if err != nil {
			return 0, err
		}
		if len(pending) == 0 {
			r.logger.Info("No pending transfers.", slog.Int("pass", pass))
			return 0, nil
		}
		r.logger.Info("Starting transfer pass.", slog.Int("pass", pass), slog.Int("pending", len(pending)))

		var g throttle.Group
		for _, rec := range pending {
			localPath := filepath.Join(rec.TargetDir, rec.TargetName)
			if _, err := os.Stat(localPath); errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("Local file missing, not transferring.", slog.String("file", rec.TargetName))
				if _, err := db.UpdateTransferOutcome(ctx, r.dbConn, batchID, rec.TargetName, db.TransferLocalMissing, time.Now()); err != nil {
					return 0, err
				}
				continue
			}
			req := Request{
				BatchID:   batchID,
				LocalPath: localPath,
				RemoteDir: r.RemoteDir(rec.DocumentType),
				Name:      rec.TargetName,
			}
			g.Go(func() error {
				return r.limiter.Do(ctx, func(ctx context.Context) error {
					_, err := r.engine.Transfer(ctx, req)
					return err
				})
			})
		}
		if err := g.Wait(); err != nil {
			r.logger.Warn("Transfer pass finished with failures.", slog.Int("pass", pass), slog.Int("failed", g.Failed()))
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}

	remaining, err := db.CountFailedTransfers(ctx, r.dbConn, batchID, kinds...)
	if err != nil {
		return 0, err
	}
	if remaining > 0 {
		r.logger.Warn("Transfers still failing after all passes.", slog.Int("remaining", remaining), slog.Int("passes", r.passes))
	}
	return remaining, nil
}

// TransferBulk pushes a batch-level report once every file of the side
// is delivered. With remaining > 0 the report is held back and blocked
// is returned.
func (r *Reconciler) TransferBulk(ctx context.Context, batchID string, remaining int, localPath string) (string, error) {
	name := filepath.Base(localPath)
	l := r.logger.With(slog.String("report", name))
	if remaining > 0 {
		l.Warn("Report transfer blocked, files still pending.", slog.Int("remaining", remaining))
		return "blocked", nil
	}

	row := db.NewFileRecord(batchID, document.Record{
		Kind:       document.KindReport,
		SourceDir:  filepath.Dir(localPath),
		SourceName: name,
	}, filepath.Dir(localPath), name, db.CopyCopied, time.Now())
	if err := db.UpsertFile(ctx, r.dbConn, row); err != nil {
		return "", fmt.Errorf("register report %s: %w", name, err)
	}

	outcome, err := r.engine.Transfer(ctx, Request{
		BatchID:   batchID,
		LocalPath: localPath,
		RemoteDir: r.RemoteDir(document.KindReport),
		Name:      name,
	})
	if err != nil {
		return outcome, fmt.Errorf("transfer report %s: %w", name, err)
	}
	l.Info("Report transferred.", slog.String("outcome", outcome))
	return outcome, nil
}
