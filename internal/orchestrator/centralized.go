package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/source"
	"github.com/codexdist/rcpsync/internal/throttle"
)

// runCentralized downloads the EU documents listed in this month's
// centralized file and returns the rows that produced a local PDF. A
// missing monthly file is not an error.
func (c *Coordinator) runCentralized(ctx context.Context, batchID string, layout document.Layout) ([]db.FileRecord, error) {
	logger := c.logger.With(slog.String("pipeline", StageCentralized))

	rows, path, found, err := source.ReadMonthlyFile(c.cfg.Paths.CentralizedDir, c.now())
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("Centralized file not found, nothing to download.", slog.String("path", path))
		return nil, nil
	}
	rows = capRows(rows, c.cfg.MaxFiles)
	logger.Info("Downloading EU documents.", slog.String("file", path), slog.Int("count", len(rows)), slog.String("limiter", c.euFiles.Name()))

	counter := newStageCounter(StageCentralized, len(rows), c.progress)
	targetDir := layout.Dir(document.KindEU)
	var g throttle.Group
	for _, row := range rows {
		g.Go(func() error {
			return c.euFiles.Do(ctx, func(ctx context.Context) error {
				outcome, err := c.fetchEU(ctx, batchID, row, path, targetDir)
				counter.item(row.ProductCode, outcome, err)
				return err
			})
		})
	}
	err = g.Wait()
	if err != nil {
		logger.Warn("Some EU rows failed.", slog.Int("failed", g.Failed()))
	}
	counter.finish(err)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	recs, err := db.FilesForBatch(ctx, c.db, batchID, document.KindEU)
	if err != nil {
		return nil, err
	}
	var ok []db.FileRecord
	for _, r := range recs {
		if r.CopyOutcome == db.CopyDownloaded || r.CopyOutcome == db.CopyAlreadyPresent {
			ok = append(ok, r)
		}
	}
	logger.Info("EU pipeline done.", slog.Int("rows", len(recs)), slog.Int("available", len(ok)), slog.Int64("downloaded", c.fetcher.Downloaded()))
	return ok, nil
}

// fetchEU enriches one EU row from the source and downloads its PDF.
// The courtesy delay follows each download.
func (c *Coordinator) fetchEU(ctx context.Context, batchID string, row source.EURow, csvPath, targetDir string) (string, error) {
	l := c.logger.With(slog.String("cis", row.ProductCode))
	if row.ProductCode == "" {
		l.Warn("EU row without SpecId, skipped.")
		return "skipped", nil
	}

	product, err := c.src.LookupProduct(ctx, row.ProductCode)
	if err != nil {
		l.Warn("Product lookup failed, using N/A.", "error", err)
		product = source.Unknown(row.ProductCode)
	}
	if row.URL == "" {
		l.Info("EU row without UrlEpar, nothing to download.")
		return "skipped", nil
	}

	rec := document.Record{
		Kind:          document.KindEU,
		ProductCode:   row.ProductCode,
		ProductName:   product.ProductName,
		ATCCode:       product.ATCCode,
		ATCLabel:      product.ATCLabel,
		Princeps:      document.PrincepsOrDefault(product.Princeps),
		SourceDir:     csvPath,
		SourceName:    row.URL,
		URL:           row.URL,
		ProductNumber: row.ProductNumber,
	}
	local, err := c.fetcher.Download(ctx, batchID, rec, targetDir)
	if err != nil {
		return db.CopyDownloadFailed, fmt.Errorf("EU %s: %w", row.ProductCode, err)
	}
	if err := c.euDelay.Sleep(ctx); err != nil {
		return "", err
	}
	if local == "" {
		return db.CopyDownloadFailed, nil
	}
	return db.CopyDownloaded, nil
}
