// Package analyser runs aggregate queries over the audit tables.
package analyser

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/lipgloss"

	"github.com/codexdist/rcpsync/internal/db"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Tally is one group of the outcome breakdown.
type Tally struct {
	DocumentType    string
	CopyOutcome     string
	TransferOutcome string // "" when never transferred
	Files           int64
	LastActivity    sql.NullTime
}

// Report is the analysis of one batch.
type Report struct {
	Batch     db.Batch
	Tallies   []Tally
	Delivered int64
	Pending   int64
	Failed    int64
}

const talliesSQL = `
SELECT document_type,
       copy_outcome,
       COALESCE(transfer_outcome, '') AS transfer_outcome,
       COUNT(*) AS files,
       MAX(COALESCE(transferred_at, copied_at)) AS last_activity
FROM file_transfers
WHERE batch_id = ?
GROUP BY ALL
ORDER BY document_type, copy_outcome, transfer_outcome;`

const deliverySQL = `
SELECT
    COUNT(*) FILTER (WHERE transfer_outcome IN (?, ?)),
    COUNT(*) FILTER (WHERE transfer_outcome IS NULL AND copy_outcome IN (?, ?, ?)),
    COUNT(*) FILTER (WHERE transfer_outcome IN (?, ?))
FROM file_transfers
WHERE batch_id = ?;`

// Analyse computes the outcome breakdown of batchID. An empty batchID
// selects the latest batch.
func Analyse(ctx context.Context, dbConn *sql.DB, batchID string, logger *slog.Logger) (Report, error) {
	var b db.Batch
	var err error
	if batchID == "" {
		b, err = db.LatestBatch(ctx, dbConn)
	} else {
		b, err = db.GetBatch(ctx, dbConn, batchID)
	}
	if err != nil {
		return Report{}, err
	}
	logger = logger.With(slog.String("batch_id", b.BatchID))
	logger.Debug("Running batch analysis.")

	rows, err := dbConn.QueryContext(ctx, talliesSQL, b.BatchID)
	if err != nil {
		return Report{}, fmt.Errorf("query outcome tallies: %w", err)
	}
	defer rows.Close()

	rep := Report{Batch: b}
	for rows.Next() {
		var t Tally
		if err := rows.Scan(&t.DocumentType, &t.CopyOutcome, &t.TransferOutcome, &t.Files, &t.LastActivity); err != nil {
			return Report{}, fmt.Errorf("scan outcome tally: %w", err)
		}
		rep.Tallies = append(rep.Tallies, t)
	}
	if err := rows.Err(); err != nil {
		return Report{}, fmt.Errorf("iterate outcome tallies: %w", err)
	}

	if err := dbConn.QueryRowContext(ctx, deliverySQL,
		db.TransferOK, db.TransferSameSize,
		db.CopyCopied, db.CopyAlreadyPresent, db.CopyDownloaded,
		db.TransferFailed, db.TransferLocalMissing,
		b.BatchID).Scan(&rep.Delivered, &rep.Pending, &rep.Failed); err != nil {
		return Report{}, fmt.Errorf("query delivery totals: %w", err)
	}
	logger.Info("Batch analysis complete.",
		slog.Int("groups", len(rep.Tallies)),
		slog.Int64("delivered", rep.Delivered),
		slog.Int64("pending", rep.Pending),
		slog.Int64("failed", rep.Failed))
	return rep, nil
}

// Print renders the report.
func (r Report) Print(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("--- Batch "+r.Batch.BatchID+" ---"))
	fmt.Fprintf(w, "Files: %d (R %d, N %d, E %d)\n", r.Batch.Counts.Total, r.Batch.Counts.R, r.Batch.Counts.N, r.Batch.Counts.E)
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-14s %-24s %-28s %8s", "Type", "Copy", "Transfer", "Files")))
	for _, t := range r.Tallies {
		transfer := t.TransferOutcome
		if transfer == "" {
			transfer = "-"
		}
		fmt.Fprintf(w, "%-14s %-24s %-28s %8d\n", t.DocumentType, t.CopyOutcome, transfer, t.Files)
	}
	failed := fmt.Sprintf("%d", r.Failed)
	if r.Failed > 0 {
		failed = warnStyle.Render(failed)
	}
	fmt.Fprintf(w, "Delivered: %d  Pending: %d  Failed: %s\n", r.Delivered, r.Pending, failed)
}
