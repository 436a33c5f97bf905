// Package orchestrator drives one batch: acquisition of FR and EU
// documents, the batch counters, the Excel reports and the SFTP
// reconciliation, closing the batch whatever happens.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codexdist/rcpsync/internal/config"
	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/downloader"
	"github.com/codexdist/rcpsync/internal/report"
	"github.com/codexdist/rcpsync/internal/source"
	"github.com/codexdist/rcpsync/internal/throttle"
	"github.com/codexdist/rcpsync/internal/transfer"
	"github.com/codexdist/rcpsync/internal/util"
)

// BatchState is the lifecycle position of the running batch.
type BatchState int

const (
	StateCreated BatchState = iota
	StateRunning
	StateFinalizing
	StateClosed
)

func (s BatchState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteConn is an open SFTP session.
type RemoteConn interface {
	transfer.Remote
	Close() error
}

// Dialer opens the SFTP session of a run.
type Dialer func(cfg config.SFTP, logger *slog.Logger) (RemoteConn, error)

func dialSFTP(cfg config.SFTP, logger *slog.Logger) (RemoteConn, error) {
	return transfer.Dial(cfg, logger)
}

// Summary describes a finished run.
type Summary struct {
	BatchID       string
	Resumed       bool
	Counts        db.Counts
	RemainingFR   int
	RemainingEU   int
	Reports       []string
	ReportOutcome string
	Uploaded      int64
	Failed        int64
	BreakerPauses int
	Duration      time.Duration
	State         BatchState
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithProgress sets the event callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// WithDialer replaces the SFTP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Coordinator) { c.dial = d }
}

// WithHTTPClient replaces the client used for EU downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) { c.client = client }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithFetchOptions replaces the download retry and timeout settings.
func WithFetchOptions(opts downloader.FetchOptions) Option {
	return func(c *Coordinator) { c.fetchOpts = &opts }
}

// Coordinator owns the limiters, materializers and the audit connection
// shared by every stage of a run.
type Coordinator struct {
	cfg      config.Config
	db       *sql.DB
	src      source.Source
	logger   *slog.Logger
	progress ProgressFunc
	dial     Dialer
	client   *http.Client
	now      func() time.Time

	fetchOpts *downloader.FetchOptions

	frFiles *throttle.Limiter
	euFiles *throttle.Limiter
	frSFTP  *throttle.Limiter
	euSFTP  *throttle.Limiter
	euDelay throttle.Delay
	breaker *throttle.Breaker
	copier  *downloader.Copier
	fetcher *downloader.Fetcher

	mu    sync.Mutex
	state BatchState
}

// New builds a coordinator for cfg.
func New(cfg config.Config, dbConn *sql.DB, src source.Source, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		db:     dbConn,
		src:    src,
		logger: logger,
		dial:   dialSFTP,
		client: util.DefaultHTTPClient(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.frFiles = throttle.NewLimiter("fr-files", cfg.Limits.DecentralizedFiles)
	c.euFiles = throttle.NewLimiter("eu-files", cfg.Limits.CentralizedFiles)
	c.frSFTP = throttle.NewLimiter("fr-sftp", cfg.Limits.DecentralizedSFTP)
	c.euSFTP = throttle.NewLimiter("eu-sftp", cfg.Limits.CentralizedSFTP)
	c.euDelay = throttle.Delay{Min: cfg.Delays.Centralized.Min, Max: cfg.Delays.Centralized.Max}
	c.breaker = throttle.NewBreaker(cfg.Download.ErrorThreshold, cfg.Download.PauseOnLimit, logger)
	c.copier = downloader.NewCopier(dbConn, throttle.Delay{Min: cfg.Delays.Decentralized.Min, Max: cfg.Delays.Decentralized.Max}, logger)

	fo := downloader.DefaultFetchOptions()
	if c.fetchOpts != nil {
		fo = *c.fetchOpts
	} else {
		fo.Retry.MaxAttempts = cfg.Download.RetryCount
		fo.RequestTimeout = cfg.Download.RequestTimeout
		fo.StallTimeout = cfg.Download.StallTimeout
		fo.FollowHTML = cfg.Download.FollowHTML
	}
	c.fetcher = downloader.NewFetcher(dbConn, c.client, c.breaker, fo, logger)
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() BatchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s BatchState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("Batch state changed.", slog.String("state", s.String()))
}

// Run executes a batch. With resumeID set, the existing batch is reused
// and only the report and transfer phases run. The batch is finalized on
// every exit path once it exists.
func (c *Coordinator) Run(ctx context.Context, resumeID string) (summary Summary, err error) {
	if !c.cfg.AnyProcessing() && !c.cfg.AnyTransfer() {
		c.logger.Info("No processing or transfer enabled, nothing to do.")
		return Summary{State: StateClosed}, nil
	}
	start := c.now()

	// --- Phase 1: Open or resume the batch ---
	var batchID string
	var layout document.Layout
	if resumeID != "" {
		b, err := db.GetBatch(ctx, c.db, resumeID)
		if err != nil {
			return Summary{}, fmt.Errorf("resume batch %s: %w", resumeID, err)
		}
		if layout, err = document.LayoutForBatch(c.cfg.Paths.TargetDir, resumeID); err != nil {
			return Summary{}, err
		}
		batchID = b.BatchID
		summary.Resumed = true
		summary.Counts = b.Counts
		c.logger.Info("Phase 1: Resuming batch.", slog.String("batch_id", batchID), slog.String("root", layout.Root))
	} else {
		batchID = document.NewBatchID(start)
		layout = document.NewLayout(c.cfg.Paths.TargetDir, start)
		for _, dir := range layout.Dirs() {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return Summary{}, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		if _, err := db.CreateBatch(ctx, c.db, batchID, start); err != nil {
			return Summary{}, err
		}
		c.logger.Info("Phase 1: Batch created.", slog.String("batch_id", batchID), slog.String("root", layout.Root))
	}
	summary.BatchID = batchID
	c.setState(StateCreated)
	logger := c.logger.With(slog.String("batch_id", batchID))

	defer func() {
		c.setState(StateClosed)
		summary.State = StateClosed
		summary.Duration = c.now().Sub(start)
		summary.BreakerPauses = c.breaker.Pauses()
		closed, ferr := db.FinalizeBatch(context.WithoutCancel(ctx), c.db, batchID, c.now())
		if ferr != nil {
			logger.Error("Failed to finalize batch.", "error", ferr)
			err = errors.Join(err, ferr)
			return
		}
		logger.Info("Batch closed.", slog.Bool("finalized_now", closed), slog.Duration("duration", summary.Duration))
	}()

	// --- Phase 2: Acquisition ---
	if !summary.Resumed && c.cfg.AnyProcessing() {
		c.setState(StateRunning)
		counts, acqErr := c.acquire(ctx, batchID, layout, logger)
		if acqErr != nil {
			logger.Error("Acquisition finished with errors.", "error", acqErr)
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Counts = counts
		if err := db.UpdateBatchCounts(ctx, c.db, batchID, counts); err != nil {
			return summary, err
		}
	} else if summary.Resumed {
		logger.Info("Phase 2: Skipped, batch resumed.")
	}

	// --- Phase 3: Reports and transfers ---
	c.setState(StateFinalizing)
	reduced, reports, err := c.writeReports(ctx, batchID, layout, logger)
	summary.Reports = reports
	if err != nil {
		logger.Error("Report generation failed.", "error", err)
	}

	if !c.cfg.AnyTransfer() {
		return summary, nil
	}
	if err := c.cfg.RequireSFTP(); err != nil {
		return summary, err
	}
	conn, err := c.dial(c.cfg.SFTP, logger)
	if err != nil {
		return summary, err
	}
	defer conn.Close()

	engine := transfer.NewEngine(c.db, conn, throttle.Delay{Min: c.cfg.Delays.SFTP.Min, Max: c.cfg.Delays.SFTP.Max}, logger)
	var bulk *transfer.Reconciler
	remaining := 0
	var transferErr error

	if c.cfg.Toggles.TransferDecentralized {
		fr := transfer.NewReconciler(c.db, engine, c.frSFTP, layout, c.cfg.SFTP.RemoteBaseDir, c.cfg.SFTP.RetryPasses, logger)
		counter := newStageCounter(StageTransferFR, 0, c.progress)
		summary.RemainingFR, err = fr.Run(ctx, batchID, document.KindRCP, document.KindNotice)
		counter.finish(err)
		transferErr = errors.Join(transferErr, err)
		remaining += summary.RemainingFR
		bulk = fr
	}
	if c.cfg.Toggles.TransferCentralized {
		eu := transfer.NewReconciler(c.db, engine, c.euSFTP, layout, c.cfg.SFTP.RemoteBaseDir, c.cfg.SFTP.RetryPasses, logger)
		counter := newStageCounter(StageTransferEU, 0, c.progress)
		summary.RemainingEU, err = eu.Run(ctx, batchID, document.KindEU)
		counter.finish(err)
		transferErr = errors.Join(transferErr, err)
		remaining += summary.RemainingEU
		if bulk == nil {
			bulk = eu
		}
	}

	if reduced != "" && transferErr == nil {
		summary.ReportOutcome, err = bulk.TransferBulk(ctx, batchID, remaining, reduced)
		transferErr = errors.Join(transferErr, err)
	}
	summary.Uploaded, _, summary.Failed = engine.Stats()
	logger.Info("Phase 3: Transfers done.",
		slog.Int("remaining_fr", summary.RemainingFR),
		slog.Int("remaining_eu", summary.RemainingEU),
		slog.String("report", summary.ReportOutcome),
	)
	return summary, transferErr
}

// acquire runs both pipelines concurrently and returns the batch counts.
// A failing pipeline never stops the other one.
func (c *Coordinator) acquire(ctx context.Context, batchID string, layout document.Layout, logger *slog.Logger) (db.Counts, error) {
	logger.Info("Phase 2: Acquiring documents.",
		slog.Bool("decentralized", c.cfg.Toggles.Decentralized),
		slog.Bool("centralized", c.cfg.Toggles.Centralized),
	)
	var fr, eu []db.FileRecord
	var g throttle.Group
	if c.cfg.Toggles.Decentralized {
		g.Go(func() error {
			var err error
			fr, err = c.runDecentralized(ctx, batchID, layout)
			if err != nil {
				return fmt.Errorf("decentralized pipeline: %w", err)
			}
			return nil
		})
	}
	if c.cfg.Toggles.Centralized {
		g.Go(func() error {
			var err error
			eu, err = c.runCentralized(ctx, batchID, layout)
			if err != nil {
				return fmt.Errorf("centralized pipeline: %w", err)
			}
			return nil
		})
	}
	err := g.Wait()

	counts := countByPrefix(append(fr, eu...))
	logger.Info("Acquisition done.",
		slog.Int64("total", counts.Total),
		slog.Int64("rcp", counts.R),
		slog.Int64("notice", counts.N),
		slog.Int64("eu", counts.E),
	)
	return counts, err
}

// countByPrefix tallies canonical filenames by their R/N/E prefix.
func countByPrefix(rows []db.FileRecord) db.Counts {
	c := db.Counts{Total: int64(len(rows))}
	for _, r := range rows {
		switch {
		case strings.HasPrefix(r.TargetName, "R"):
			c.R++
		case strings.HasPrefix(r.TargetName, "N"):
			c.N++
		case strings.HasPrefix(r.TargetName, "E"):
			c.E++
		}
	}
	return c
}

// writeReports writes both workbooks into the batch root and returns the
// reduced one, which is the report sent over SFTP.
func (c *Coordinator) writeReports(ctx context.Context, batchID string, layout document.Layout, logger *slog.Logger) (string, []string, error) {
	rows, err := db.FilesForBatch(ctx, c.db, batchID)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return "", nil, fmt.Errorf("create %s: %w", layout.Root, err)
	}
	var written []string
	reduced, rerr := report.WriteReduced(layout.Root, batchID, rows, logger)
	if reduced != "" {
		written = append(written, reduced)
	}
	full, ferr := report.WriteFull(layout.Root, batchID, rows, logger)
	if full != "" {
		written = append(written, full)
	}
	if c.progress != nil {
		c.progress(Event{Stage: StageReports, Done: int64(len(written)), Total: 2, Err: errors.Join(rerr, ferr), Finished: true})
	}
	return reduced, written, errors.Join(rerr, ferr)
}
