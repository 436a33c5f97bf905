// Package downloader materializes documents into the dated extraction
// directory: FR documents are copied from the source share, EU documents
// are downloaded as PDFs. Every item leaves exactly one audit row.
package downloader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
)

// progressEvery is how often the copy counter is logged.
const progressEvery = 100

const (
	copyFailed      = "copy-failed"
	copyNotVerified = "copy-not-verified"
)

// Result describes one materialized document.
type Result struct {
	TargetName string
	TargetPath string
	Outcome    string
}

// Copier copies FR documents from the source share.
type Copier struct {
	dbConn *sql.DB
	delay  throttle.Delay
	logger *slog.Logger
	copied atomic.Int64
}

// NewCopier returns a copier that waits a jittered delay between each
// copy and its verification.
func NewCopier(dbConn *sql.DB, delay throttle.Delay, logger *slog.Logger) *Copier {
	return &Copier{dbConn: dbConn, delay: delay, logger: logger}
}

// Copied is the number of files copied by this copier.
func (c *Copier) Copied() int64 { return c.copied.Load() }

// Copy places rec under targetDir with its canonical filename. An
// existing target is left alone (already-present) and a missing source is
// recorded as source-not-found; neither is an error. Filesystem errors,
// including a stat that fails for any reason other than absence, are
// recorded as copy-failed and returned.
func (c *Copier) Copy(ctx context.Context, batchID string, rec document.Record, targetDir string) (Result, error) {
	name, err := document.CanonicalFilename(rec.Kind, rec.ProductCode, rec.ATCCode, filepath.Ext(rec.SourceName))
	if err != nil {
		return Result{}, err
	}
	res := Result{TargetName: name, TargetPath: filepath.Join(targetDir, name)}
	l := c.logger.With(slog.String("target", name), slog.String("kind", string(rec.Kind)))

	var copyErr error
	res.Outcome, copyErr = c.materialize(ctx, filepath.Join(rec.SourceDir, rec.SourceName), res.TargetPath, l)
	if copyErr != nil {
		l.Error("Copy failed.", "error", copyErr)
	}

	row := db.NewFileRecord(batchID, rec, targetDir, name, res.Outcome, time.Now())
	if copyErr != nil {
		row.Detail = copyErr.Error()
	}
	if err := db.UpsertFile(ctx, c.dbConn, row); err != nil {
		return res, errors.Join(copyErr, err)
	}
	return res, copyErr
}

func (c *Copier) materialize(ctx context.Context, src, dst string, l *slog.Logger) (string, error) {
	present, err := fileExists(dst)
	if err != nil {
		return copyFailed, err
	}
	if present {
		l.Debug("Target already present, skipping copy.")
		return db.CopyAlreadyPresent, nil
	}
	present, err = fileExists(src)
	if err != nil {
		return copyFailed, err
	}
	if !present {
		l.Warn("Source file not found, moving on.", slog.String("source", filepath.Base(src)))
		return db.CopySourceNotFound, nil
	}
	return c.copyAndVerify(ctx, src, dst)
}

func (c *Copier) copyAndVerify(ctx context.Context, src, dst string) (string, error) {
	if err := copyFile(src, dst); err != nil {
		return copyFailed, err
	}
	if err := c.delay.Sleep(ctx); err != nil {
		return copyFailed, err
	}
	present, err := fileExists(dst)
	if err != nil {
		return copyNotVerified, err
	}
	if !present {
		return copyNotVerified, fmt.Errorf("copied file %s missing after copy", dst)
	}
	if n := c.copied.Add(1); n%progressEvery == 0 {
		c.logger.Info("Copy progress.", slog.Int64("files_copied", n))
	}
	return db.CopyCopied, nil
}

// copyFile copies src to dst byte for byte through a temporary file so a
// failed copy never leaves a partial target behind.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// fileExists reports whether path exists. Stat errors other than absence
// are returned rather than guessed at.
func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}
