// Package saver archives the audit rows of a batch as a Parquet file.
package saver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/codexdist/rcpsync/internal/db"
)

// AuditRow is the Parquet layout of one file_transfers row.
type AuditRow struct {
	BatchID         string  `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	DocumentType    string  `parquet:"name=document_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SourceDir       string  `parquet:"name=source_dir, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceName      string  `parquet:"name=source_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetDir       string  `parquet:"name=target_dir, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetName      string  `parquet:"name=target_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductCode     string  `parquet:"name=product_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductName     string  `parquet:"name=product_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	ATCCode         string  `parquet:"name=atc_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	ATCLabel        string  `parquet:"name=atc_label, type=BYTE_ARRAY, convertedtype=UTF8"`
	Princeps        string  `parquet:"name=princeps_generic, type=BYTE_ARRAY, convertedtype=UTF8"`
	CopiedAt        int64   `parquet:"name=copied_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	CopyOutcome     string  `parquet:"name=copy_outcome, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Detail          string  `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	TransferredAt   *int64  `parquet:"name=transferred_at, type=INT64, convertedtype=TIMESTAMP_MILLIS, repetitiontype=OPTIONAL"`
	TransferOutcome *string `parquet:"name=transfer_outcome, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// FromRecord converts an audit row.
func FromRecord(r db.FileRecord) AuditRow {
	row := AuditRow{
		BatchID:      r.BatchID,
		DocumentType: string(r.DocumentType),
		SourceDir:    r.SourceDir,
		SourceName:   r.SourceName,
		TargetDir:    r.TargetDir,
		TargetName:   r.TargetName,
		ProductCode:  r.ProductCode,
		ProductName:  r.ProductName,
		ATCCode:      r.ATCCode,
		ATCLabel:     r.ATCLabel,
		Princeps:     r.Princeps,
		CopiedAt:     r.CopiedAt.UnixMilli(),
		CopyOutcome:  r.CopyOutcome,
		Detail:       r.Detail,
	}
	if r.TransferredAt != nil {
		ms := r.TransferredAt.UnixMilli()
		row.TransferredAt = &ms
	}
	if r.TransferOutcome != "" {
		o := r.TransferOutcome
		row.TransferOutcome = &o
	}
	return row
}

// FileName is the archive filename of a batch.
func FileName(batchID string) string {
	return "audit_" + batchID + ".parquet"
}

// SaveBatch writes every audit row of batchID to outDir and returns the
// file path and row count. An unknown batch is an error.
func SaveBatch(ctx context.Context, dbConn *sql.DB, batchID, outDir string, logger *slog.Logger) (string, int, error) {
	if _, err := db.GetBatch(ctx, dbConn, batchID); err != nil {
		return "", 0, err
	}
	recs, err := db.FilesForBatch(ctx, dbConn, batchID)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory '%s': %w", outDir, err)
	}

	path := filepath.Join(outDir, FileName(batchID))
	l := logger.With(slog.String("batch_id", batchID), slog.String("path", path))
	start := time.Now()

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", 0, fmt.Errorf("create parquet file %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(AuditRow), 4)
	if err != nil {
		fw.Close()
		return "", 0, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range recs {
		if err := pw.Write(FromRecord(r)); err != nil {
			pw.WriteStop()
			fw.Close()
			os.Remove(path)
			return "", 0, fmt.Errorf("write row %s: %w", r.TargetName, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("finish parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", 0, fmt.Errorf("close parquet file: %w", err)
	}
	l.Info("Batch archived to Parquet.", slog.Int("rows", len(recs)), slog.Duration("duration", time.Since(start)))
	return path, len(recs), nil
}
