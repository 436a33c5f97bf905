package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/throttle"
)

// Request is one file to push. RemoteDir is an absolute remote directory.
type Request struct {
	BatchID   string
	LocalPath string
	RemoteDir string
	Name      string
}

// RemotePath is RemoteDir/Name.
func (r Request) RemotePath() string { return path.Join(r.RemoteDir, r.Name) }

// Engine uploads single files over a shared Remote.
type Engine struct {
	dbConn *sql.DB
	remote Remote
	jitter throttle.Delay
	logger *slog.Logger

	uploaded atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// NewEngine returns an engine that waits a jittered delay before each
// upload.
func NewEngine(dbConn *sql.DB, remote Remote, jitter throttle.Delay, logger *slog.Logger) *Engine {
	return &Engine{dbConn: dbConn, remote: remote, jitter: jitter, logger: logger}
}

// Stats returns uploaded, same-size skipped and failed counts.
func (e *Engine) Stats() (uploaded, skipped, failed int64) {
	return e.uploaded.Load(), e.skipped.Load(), e.failed.Load()
}

// Transfer pushes one file. A remote file of the same size is left in
// place. The audit row keyed by (batch, name) always receives the
// outcome, even when the upload fails.
func (e *Engine) Transfer(ctx context.Context, req Request) (outcome string, err error) {
	l := e.logger.With(slog.String("file", req.Name), slog.String("remote_dir", req.RemoteDir))

	defer func() {
		if outcome == "" {
			outcome = db.TransferFailed
		}
		switch outcome {
		case db.TransferOK:
			e.uploaded.Add(1)
		case db.TransferSameSize:
			e.skipped.Add(1)
		default:
			e.failed.Add(1)
		}
		matched, uerr := db.UpdateTransferOutcome(context.WithoutCancel(ctx), e.dbConn, req.BatchID, req.Name, outcome, time.Now())
		if uerr != nil {
			l.Error("Failed to record transfer outcome.", "error", uerr)
			err = errors.Join(err, uerr)
		} else if !matched {
			l.Warn("No audit row for transferred file.")
		}
	}()

	local, err := os.Stat(req.LocalPath)
	if err != nil {
		return db.TransferFailed, fmt.Errorf("stat local %s: %w", req.LocalPath, err)
	}

	remotePath := req.RemotePath()
	existing, serr := e.remote.Stat(remotePath)
	switch {
	case serr == nil && existing.Size() == local.Size():
		l.Debug("Remote file already present with same size.")
		return db.TransferSameSize, nil
	case serr != nil && !errors.Is(serr, fs.ErrNotExist):
		l.Error("Failed to stat remote file.", "error", serr)
		return db.TransferFailed, fmt.Errorf("stat remote %s: %w", remotePath, serr)
	}

	if err := e.remote.MkdirAll(req.RemoteDir); err != nil {
		l.Error("Failed to create remote directory.", "error", err)
		return db.TransferFailed, fmt.Errorf("mkdir %s: %w", req.RemoteDir, err)
	}
	if err := e.jitter.Sleep(ctx); err != nil {
		return db.TransferFailed, err
	}
	if err := e.upload(req.LocalPath, remotePath); err != nil {
		l.Error("Upload failed.", "error", err)
		return db.TransferFailed, err
	}

	uploaded, err := e.remote.Stat(remotePath)
	if err != nil {
		return db.TransferFailed, fmt.Errorf("stat remote %s after upload: %w", remotePath, err)
	}
	if uploaded.Size() != local.Size() {
		l.Error("Remote size differs after upload.", slog.Int64("local", local.Size()), slog.Int64("remote", uploaded.Size()))
		return db.TransferFailed, fmt.Errorf("size mismatch for %s: local %d, remote %d", req.Name, local.Size(), uploaded.Size())
	}
	l.Debug("File transferred.", slog.Int64("bytes", local.Size()))
	return db.TransferOK, nil
}

func (e *Engine) upload(localPath, remotePath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer in.Close()

	out, err := e.remote.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write remote %s: %w", remotePath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", remotePath, err)
	}
	return nil
}
