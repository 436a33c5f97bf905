package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// DisplayBatchHistory prints the most recent batches.
func DisplayBatchHistory(ctx context.Context, db *sql.DB, w io.Writer, limit int) error {
	batches, err := ListBatches(ctx, db, limit)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("--- Batch History (Limit %d) ---", limit)))
	fmt.Fprintf(w, "%-16s | %-25s | %-25s | %-10s | %-6s | %-6s | %-6s | %s\n",
		"Batch", "Started (UTC)", "Ended (UTC)", "Duration", "Total", "R", "N", "E")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, b := range batches {
		ended, duration := mutedStyle.Render("running"), ""
		if b.EndedAt != nil {
			ended = b.EndedAt.UTC().Format(time.RFC3339)
		}
		if b.DurationSeconds != nil {
			duration = fmt.Sprintf("%.1fs", *b.DurationSeconds)
		}
		fmt.Fprintf(w, "%-16s | %-25s | %-25s | %-10s | %-6d | %-6d | %-6d | %d\n",
			b.BatchID, b.StartedAt.UTC().Format(time.RFC3339), ended, duration,
			b.Counts.Total, b.Counts.R, b.Counts.N, b.Counts.E)
	}
	fmt.Fprintf(w, "Displayed %d batches.\n", len(batches))
	return nil
}

// DisplayFileHistory prints the file rows of a batch, optionally filtered
// on a copy or transfer outcome.
func DisplayFileHistory(ctx context.Context, db *sql.DB, w io.Writer, batchID, outcomeFilter string, limit int) error {
	recs, err := FilesForBatch(ctx, db, batchID)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("--- Files of batch %s (Limit %d) ---", batchID, limit)))
	fmt.Fprintf(w, "%-32s | %-14s | %-10s | %-28s | %s\n", "Target", "Type", "CIS", "Copy", "Transfer")
	fmt.Fprintln(w, strings.Repeat("-", 120))

	shown := 0
	for _, r := range recs {
		if outcomeFilter != "" && r.CopyOutcome != outcomeFilter && r.TransferOutcome != outcomeFilter {
			continue
		}
		if limit > 0 && shown >= limit {
			break
		}
		fmt.Fprintf(w, "%-32s | %-14s | %-10s | %-28s | %s\n",
			r.TargetName, r.DocumentType, r.ProductCode, r.CopyOutcome, styleTransfer(r.TransferOutcome))
		shown++
	}
	fmt.Fprintf(w, "Displayed %d of %d records.\n", shown, len(recs))
	return nil
}

func styleTransfer(outcome string) string {
	switch outcome {
	case TransferOK, TransferSameSize:
		return okStyle.Render(outcome)
	case TransferFailed, TransferLocalMissing:
		return failStyle.Render(outcome)
	case "":
		return mutedStyle.Render("-")
	default:
		return outcome
	}
}
