// Package inspector reads back an audit Parquet archive and summarizes it.
package inspector

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/codexdist/rcpsync/internal/saver"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))

// Summary tallies an archive.
type Summary struct {
	Path      string
	Rows      int
	Batches   []string
	ByType    map[string]int
	Copy      map[string]int
	Transfer  map[string]int
	Untouched int // rows never transferred
}

// ReadRows loads every row of an archive.
func ReadRows(path string) ([]saver.AuditRow, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(saver.AuditRow), 4)
	if err != nil {
		return nil, fmt.Errorf("read parquet footer of %s: %w", path, err)
	}
	defer pr.ReadStop()

	rows := make([]saver.AuditRow, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read rows of %s: %w", path, err)
	}
	return rows, nil
}

// Inspect reads path and tallies its rows.
func Inspect(path string) (Summary, error) {
	rows, err := ReadRows(path)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Path:     path,
		Rows:     len(rows),
		ByType:   map[string]int{},
		Copy:     map[string]int{},
		Transfer: map[string]int{},
	}
	seen := map[string]bool{}
	for _, r := range rows {
		if !seen[r.BatchID] {
			seen[r.BatchID] = true
			s.Batches = append(s.Batches, r.BatchID)
		}
		s.ByType[r.DocumentType]++
		s.Copy[r.CopyOutcome]++
		if r.TransferOutcome == nil {
			s.Untouched++
			continue
		}
		s.Transfer[*r.TransferOutcome]++
	}
	sort.Strings(s.Batches)
	return s, nil
}

// Print writes a human readable summary.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("--- "+s.Path+" ---"))
	fmt.Fprintf(w, "Rows: %d  Batches: %s\n", s.Rows, strings.Join(s.Batches, ", "))
	printTally(w, "Document type", s.ByType)
	printTally(w, "Copy outcome", s.Copy)
	printTally(w, "Transfer outcome", s.Transfer)
	fmt.Fprintf(w, "Not transferred: %d\n", s.Untouched)
}

func printTally(w io.Writer, title string, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %d\n", k, m[k])
	}
}
