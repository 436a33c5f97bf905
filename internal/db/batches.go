package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBatchNotFound is returned when a batch id has no row.
var ErrBatchNotFound = errors.New("batch not found")

// Batch is one execution unit.
type Batch struct {
	ID              int64
	BatchID         string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *float64
	Counts          Counts
}

// Counts are the per-batch file tallies, by canonical filename prefix.
type Counts struct {
	Total int64
	R     int64
	N     int64
	E     int64
}

const batchColumns = `id, batch_id, started_at, ended_at, duration_seconds, files_processed, files_r, files_n, files_e`

func scanBatch(row interface{ Scan(...any) error }) (Batch, error) {
	var b Batch
	var ended sql.NullTime
	var dur sql.NullFloat64
	if err := row.Scan(&b.ID, &b.BatchID, &b.StartedAt, &ended, &dur,
		&b.Counts.Total, &b.Counts.R, &b.Counts.N, &b.Counts.E); err != nil {
		return Batch{}, err
	}
	if ended.Valid {
		t := ended.Time
		b.EndedAt = &t
	}
	if dur.Valid {
		d := dur.Float64
		b.DurationSeconds = &d
	}
	return b, nil
}

// CreateBatch inserts a new batch row.
func CreateBatch(ctx context.Context, db *sql.DB, batchID string, startedAt time.Time) (Batch, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, started_at) VALUES (?, ?)`,
		batchID, startedAt.UTC())
	if err != nil {
		return Batch{}, fmt.Errorf("failed to create batch %s: %w", batchID, err)
	}
	return GetBatch(ctx, db, batchID)
}

// GetBatch loads a batch by id. A missing row yields ErrBatchNotFound.
func GetBatch(ctx context.Context, db *sql.DB, batchID string) (Batch, error) {
	row := db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, batchID)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return Batch{}, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	return b, nil
}

// LatestBatch returns the most recently started batch.
func LatestBatch(ctx context.Context, db *sql.DB) (Batch, error) {
	row := db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY started_at DESC, id DESC LIMIT 1`)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, fmt.Errorf("failed to load latest batch: %w", err)
	}
	return b, nil
}

// ListBatches returns up to limit batches, most recent first.
func ListBatches(ctx context.Context, db *sql.DB, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return out, nil
}

// UpdateBatchCounts stores the file tallies of a batch.
func UpdateBatchCounts(ctx context.Context, db *sql.DB, batchID string, c Counts) error {
	res, err := db.ExecContext(ctx,
		`UPDATE batches SET files_processed = ?, files_r = ?, files_n = ?, files_e = ? WHERE batch_id = ?`,
		c.Total, c.R, c.N, c.E, batchID)
	if err != nil {
		return fmt.Errorf("failed to update counts of batch %s: %w", batchID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return nil
}

// FinalizeBatch sets the end time and duration of a batch. Only the first
// call has an effect; it reports whether this call finalized the batch.
func FinalizeBatch(ctx context.Context, db *sql.DB, batchID string, endedAt time.Time) (bool, error) {
	b, err := GetBatch(ctx, db, batchID)
	if err != nil {
		return false, err
	}
	if b.EndedAt != nil {
		return false, nil
	}
	duration := endedAt.Sub(b.StartedAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	res, err := db.ExecContext(ctx,
		`UPDATE batches SET ended_at = ?, duration_seconds = ? WHERE batch_id = ? AND ended_at IS NULL`,
		endedAt.UTC(), duration, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize batch %s: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read finalize result of batch %s: %w", batchID, err)
	}
	return n == 1, nil
}
