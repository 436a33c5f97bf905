package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/codexdist/rcpsync/internal/document"
)

// Local copy / download outcomes.
const (
	CopyCopied         = "copied"
	CopyAlreadyPresent = "already-present"
	CopySourceNotFound = "source-not-found"
	CopyPending        = "pending"
	CopyDownloaded     = "download-ok"
	CopyWrongType      = "content-type-mismatch"
	CopyDownloadFailed = "download-failed"
)

// Remote transfer outcomes.
const (
	TransferOK           = "transfer-ok"
	TransferFailed       = "transfer-failed"
	TransferSameSize     = "already-present-same-size"
	TransferLocalMissing = "local-file-missing"
)

// FileRecord is one document instance processed within a batch.
type FileRecord struct {
	ID              int64
	BatchID         string
	SourceDir       string
	SourceName      string
	TargetDir       string
	TargetName      string
	ProductCode     string
	ATCCode         string
	DocumentType    document.Kind
	ATCLabel        string
	ProductName     string
	Princeps        string
	CopiedAt        time.Time
	CopyOutcome     string
	Detail          string
	TransferredAt   *time.Time
	TransferOutcome string
}

// NewFileRecord fills a record from a document and its outcome.
func NewFileRecord(batchID string, rec document.Record, targetDir, targetName, outcome string, at time.Time) FileRecord {
	return FileRecord{
		BatchID:      batchID,
		SourceDir:    rec.SourceDir,
		SourceName:   rec.SourceName,
		TargetDir:    targetDir,
		TargetName:   targetName,
		ProductCode:  rec.ProductCode,
		ATCCode:      rec.ATCCode,
		DocumentType: rec.Kind,
		ATCLabel:     rec.ATCLabel,
		ProductName:  rec.ProductName,
		Princeps:     rec.Princeps,
		CopiedAt:     at,
		CopyOutcome:  outcome,
	}
}

const upsertFileSQL = `
INSERT INTO file_transfers (
    batch_id, source_dir, source_name, target_dir, target_name, product_code, atc_code,
    document_type, atc_label, product_name, princeps_generic, copied_at, copy_outcome, detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (batch_id, target_name) DO UPDATE SET
    source_dir       = excluded.source_dir,
    source_name      = excluded.source_name,
    target_dir       = excluded.target_dir,
    product_code     = excluded.product_code,
    atc_code         = excluded.atc_code,
    document_type    = excluded.document_type,
    atc_label        = excluded.atc_label,
    product_name     = excluded.product_name,
    princeps_generic = excluded.princeps_generic,
    copied_at        = excluded.copied_at,
    copy_outcome     = excluded.copy_outcome,
    detail           = excluded.detail;`

// UpsertFile inserts the record or updates the row with the same
// (batch, target name). Transfer columns are never touched.
func UpsertFile(ctx context.Context, db *sql.DB, r FileRecord) error {
	if r.BatchID == "" || r.TargetName == "" {
		return fmt.Errorf("upsert file record: batch id and target name are required")
	}
	_, err := db.ExecContext(ctx, upsertFileSQL,
		r.BatchID,
		nullString(r.SourceDir),
		nullString(r.SourceName),
		r.TargetDir,
		r.TargetName,
		nullString(r.ProductCode),
		nullString(r.ATCCode),
		string(r.DocumentType),
		nullString(r.ATCLabel),
		nullString(r.ProductName),
		nullString(r.Princeps),
		r.CopiedAt.UTC(),
		nullString(r.CopyOutcome),
		nullString(r.Detail),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file record %s/%s: %w", r.BatchID, r.TargetName, err)
	}
	return nil
}

// UpdateCopyOutcome sets the copy/download outcome of one row.
func UpdateCopyOutcome(ctx context.Context, db *sql.DB, batchID, targetName, outcome, detail string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE file_transfers SET copy_outcome = ?, detail = ?, copied_at = ? WHERE batch_id = ? AND target_name = ?`,
		outcome, nullString(detail), at.UTC(), batchID, targetName)
	if err != nil {
		return fmt.Errorf("failed to update copy outcome of %s/%s: %w", batchID, targetName, err)
	}
	return nil
}

// UpdateTransferOutcome sets the remote transfer outcome of one row. It
// reports whether a row matched.
func UpdateTransferOutcome(ctx context.Context, db *sql.DB, batchID, targetName, outcome string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE file_transfers SET transfer_outcome = ?, transferred_at = ? WHERE batch_id = ? AND target_name = ?`,
		outcome, at.UTC(), batchID, targetName)
	if err != nil {
		return false, fmt.Errorf("failed to update transfer outcome of %s/%s: %w", batchID, targetName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result of %s/%s: %w", batchID, targetName, err)
	}
	return n > 0, nil
}

const fileColumns = `id, batch_id, source_dir, source_name, target_dir, target_name, product_code, atc_code,
    document_type, atc_label, product_name, princeps_generic, copied_at, copy_outcome, detail,
    transferred_at, transfer_outcome`

// FilesForBatch returns the rows of a batch, optionally restricted to
// kinds, in insertion order.
func FilesForBatch(ctx context.Context, db *sql.DB, batchID string, kinds ...document.Kind) ([]FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_transfers WHERE batch_id = ?`
	args := []any{batchID}
	query, args = withKinds(query, args, kinds)
	query += ` ORDER BY id`
	return queryFiles(ctx, db, query, args...)
}

// GetFile loads one row by its key.
func GetFile(ctx context.Context, db *sql.DB, batchID, targetName string) (FileRecord, bool, error) {
	recs, err := queryFiles(ctx, db,
		`SELECT `+fileColumns+` FROM file_transfers WHERE batch_id = ? AND target_name = ?`,
		batchID, targetName)
	if err != nil || len(recs) == 0 {
		return FileRecord{}, false, err
	}
	return recs[0], true, nil
}

// PendingTransfers returns rows of the batch whose transfer has not
// succeeded yet: never attempted or failed. Terminal outcomes
// (local-file-missing) are excluded.
func PendingTransfers(ctx context.Context, db *sql.DB, batchID string, kinds ...document.Kind) ([]FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_transfers
        WHERE batch_id = ? AND (transfer_outcome IS NULL OR transfer_outcome = ?)`
	args := []any{batchID, TransferFailed}
	query, args = withKinds(query, args, kinds)
	query += ` ORDER BY id`
	return queryFiles(ctx, db, query, args...)
}

// CountFailedTransfers counts rows of the batch still failed or never sent.
func CountFailedTransfers(ctx context.Context, db *sql.DB, batchID string, kinds ...document.Kind) (int, error) {
	query := `SELECT count(*) FROM file_transfers WHERE batch_id = ? AND (transfer_outcome IS NULL OR transfer_outcome = ?)`
	args := []any{batchID, TransferFailed}
	query, args = withKinds(query, args, kinds)
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending transfers of %s: %w", batchID, err)
	}
	return n, nil
}

// FailedDownloads returns EU rows of the batch whose PDF never arrived.
func FailedDownloads(ctx context.Context, db *sql.DB, batchID string) ([]FileRecord, error) {
	return queryFiles(ctx, db,
		`SELECT `+fileColumns+` FROM file_transfers
        WHERE batch_id = ? AND document_type = ? AND copy_outcome IN (?, ?, ?)
        ORDER BY id`,
		batchID, string(document.KindEU), CopyPending, CopyDownloadFailed, CopyWrongType)
}

func withKinds(query string, args []any, kinds []document.Kind) (string, []any) {
	if len(kinds) == 0 {
		return query, args
	}
	placeholders := make([]string, len(kinds))
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}
	return query + ` AND document_type IN (` + strings.Join(placeholders, ", ") + `)`, args
}

func queryFiles(ctx context.Context, db *sql.DB, query string, args ...any) ([]FileRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var r FileRecord
		var sourceDir, sourceName, productCode, atcCode, atcLabel, productName, princeps sql.NullString
		var copyOutcome, detail, transferOutcome sql.NullString
		var docType string
		var copiedAt, transferredAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.BatchID, &sourceDir, &sourceName, &r.TargetDir, &r.TargetName,
			&productCode, &atcCode, &docType, &atcLabel, &productName, &princeps,
			&copiedAt, &copyOutcome, &detail, &transferredAt, &transferOutcome); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		r.SourceDir = sourceDir.String
		r.SourceName = sourceName.String
		r.ProductCode = productCode.String
		r.ATCCode = atcCode.String
		r.DocumentType = document.Kind(docType)
		r.ATCLabel = atcLabel.String
		r.ProductName = productName.String
		r.Princeps = princeps.String
		r.CopyOutcome = copyOutcome.String
		r.Detail = detail.String
		r.TransferOutcome = transferOutcome.String
		if copiedAt.Valid {
			r.CopiedAt = copiedAt.Time
		}
		if transferredAt.Valid {
			t := transferredAt.Time
			r.TransferredAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
