// Package report writes the post-extraction Excel workbooks of a batch.
package report

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
)

const minColumnWidth = 12

// ReducedName is the cleyrop workbook filename of a batch.
func ReducedName(batchID string) string {
	return "transfert_RcpNotice_cleyrop_" + batchID + ".xlsx"
}

// FullName is the complete workbook filename of a batch.
func FullName(batchID string) string {
	return "transfert_RcpNotice_" + batchID + ".xlsx"
}

var reducedHeader = []string{
	"nom_fichier_cible", "code_cis", "code_atc", "lib_atc",
	"nom_specialite", "princeps_generique", "type_document", "repertoire_export",
}

var fullHeader = []string{
	"id", "id_batch", "rep_source", "nom_fichier_source", "rep_cible", "nom_fichier_cible",
	"code_cis", "code_atc", "type_document_audit", "lib_atc", "nom_specialite",
	"princeps_generique", "date_copie", "resultat_copie", "detail", "date_transfert",
	"resultat_transfert", "type_document", "repertoire_export",
}

// derived maps a canonical filename to its display type and export dir.
func derived(name string) (string, string) {
	kind, ok := document.KindFromFilename(name)
	if !ok {
		return "Inconnu", ""
	}
	return string(kind), document.ExportDir(kind)
}

// documents drops report rows; workbooks only list documents.
func documents(rows []db.FileRecord) []db.FileRecord {
	out := make([]db.FileRecord, 0, len(rows))
	for _, r := range rows {
		if r.DocumentType != document.KindReport {
			out = append(out, r)
		}
	}
	return out
}

// WriteReduced writes the cleyrop workbook into dir. It returns "" when
// there is nothing to report.
func WriteReduced(dir, batchID string, rows []db.FileRecord, logger *slog.Logger) (string, error) {
	rows = documents(rows)
	if len(rows) == 0 {
		logger.Warn("No rows for reduced report.", slog.String("batch_id", batchID))
		return "", nil
	}
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		typ, exportDir := derived(r.TargetName)
		data = append(data, []string{
			r.TargetName, r.ProductCode, r.ATCCode, r.ATCLabel,
			r.ProductName, r.Princeps, typ, exportDir,
		})
	}
	p := filepath.Join(dir, ReducedName(batchID))
	if err := writeWorkbook(p, "Export Cleyrop", reducedHeader, data); err != nil {
		return "", err
	}
	logger.Info("Reduced report written.", slog.String("path", p), slog.Int("rows", len(data)))
	return p, nil
}

// WriteFull writes the workbook with every audit column into dir.
func WriteFull(dir, batchID string, rows []db.FileRecord, logger *slog.Logger) (string, error) {
	rows = documents(rows)
	if len(rows) == 0 {
		logger.Warn("No rows for full report.", slog.String("batch_id", batchID))
		return "", nil
	}
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		typ, exportDir := derived(r.TargetName)
		data = append(data, []string{
			fmt.Sprint(r.ID), r.BatchID, r.SourceDir, r.SourceName, r.TargetDir, r.TargetName,
			r.ProductCode, r.ATCCode, string(r.DocumentType), r.ATCLabel, r.ProductName,
			r.Princeps, formatTime(&r.CopiedAt), r.CopyOutcome, r.Detail, formatTime(r.TransferredAt),
			r.TransferOutcome, typ, exportDir,
		})
	}
	p := filepath.Join(dir, FullName(batchID))
	if err := writeWorkbook(p, "Export Complet", fullHeader, data); err != nil {
		return "", err
	}
	logger.Info("Full report written.", slog.String("path", p), slog.Int("rows", len(data)))
	return p, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// writeWorkbook writes one sheet with a frozen, filtered header row and
// columns sized to their longest value.
func writeWorkbook(p, sheet string, header []string, data [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = utf8.RuneCountInString(h)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range data {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
		for j, v := range row {
			if n := utf8.RuneCountInString(v); j < len(widths) && n > widths[j] {
				widths[j] = n
			}
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if err := f.AutoFilter(sheet, "A1:"+lastCol+"1", nil); err != nil {
		return fmt.Errorf("set auto filter: %w", err)
	}
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if w < minColumnWidth {
			w = minColumnWidth
		}
		if err := f.SetColWidth(sheet, col, col, float64(w+2)); err != nil {
			return fmt.Errorf("set width of %s: %w", col, err)
		}
	}

	if err := f.SaveAs(p); err != nil {
		return fmt.Errorf("save %s: %w", p, err)
	}
	return nil
}
