package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EU CSV column names.
const (
	ColSpecID        = "SpecId"
	ColURL           = "UrlEpar"
	ColProductNumber = "Product_Number"
)

// EURow is one line of the monthly centralized file.
type EURow struct {
	ProductCode   string // SpecId (CIS)
	URL           string // UrlEpar
	ProductNumber string
	Fields        map[string]string
}

// MonthlyFileName is RCP_centralises_{YYYY}_{MM}.csv for t.
func MonthlyFileName(t time.Time) string {
	return fmt.Sprintf("RCP_centralises_%04d_%02d.csv", t.Year(), int(t.Month()))
}

// ReadMonthlyFile reads the centralized file of t's month from dir. A
// missing file yields no rows and found == false.
func ReadMonthlyFile(dir string, t time.Time) (rows []EURow, path string, found bool, err error) {
	path = filepath.Join(dir, MonthlyFileName(t))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, path, false, nil
		}
		return nil, path, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	rows, err = ParseEUFile(f)
	if err != nil {
		return nil, path, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, path, true, nil
}

// ParseEUFile parses a ';' separated file whose first line is the header.
// Empty or header-only input yields zero rows; short lines get empty
// values for missing columns.
func ParseEUFile(r io.Reader) ([]EURow, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}

	var out []EURow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line: %w", err)
		}
		if isBlank(rec) {
			continue
		}
		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				fields[h] = strings.TrimSpace(rec[i])
			} else {
				fields[h] = ""
			}
		}
		out = append(out, EURow{
			ProductCode:   fields[ColSpecID],
			URL:           fields[ColURL],
			ProductNumber: fields[ColProductNumber],
			Fields:        fields,
		})
	}
	return out, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
