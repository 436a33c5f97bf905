// Package document defines the document kinds handled by a batch, the
// canonical target filename derived from them and the on-disk / remote
// layout of a dated extraction directory.
package document

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Kind is the document classification stored in the audit table.
type Kind string

const (
	KindRCP    Kind = "RCP"
	KindNotice Kind = "Notice"
	KindEU     Kind = "RCP_Notice_EU"
	KindReport Kind = "Report"
)

// PrincepsDefault replaces a null reference-product code.
const PrincepsDefault = "princeps_ou_pas_de_generique"

// NotAvailable fills enrichment fields when the source lookup fails.
const NotAvailable = "N/A"

const atcWidth = 7

// Prefix returns the single-letter filename prefix of the kind.
func (k Kind) Prefix() string {
	switch k {
	case KindRCP:
		return "R"
	case KindNotice:
		return "N"
	case KindEU:
		return "E"
	default:
		return ""
	}
}

// KindFromFilename classifies a canonical filename by its prefix.
func KindFromFilename(name string) (Kind, bool) {
	switch {
	case strings.HasPrefix(name, "R_"):
		return KindRCP, true
	case strings.HasPrefix(name, "N_"):
		return KindNotice, true
	case strings.HasPrefix(name, "E_"):
		return KindEU, true
	}
	return "", false
}

// NormalizeATC strips path separators and right-pads to 7 characters.
// Longer codes are kept whole.
func NormalizeATC(atc string) string {
	clean := strings.NewReplacer("/", "", `\`, "").Replace(strings.TrimSpace(atc))
	if len(clean) < atcWidth {
		clean += strings.Repeat("_", atcWidth-len(clean))
	}
	return clean
}

// CanonicalFilename builds {prefix}_{productCode}_{atc7}{ext}.
func CanonicalFilename(kind Kind, productCode, atc, ext string) (string, error) {
	prefix := kind.Prefix()
	if prefix == "" {
		return "", fmt.Errorf("no filename prefix for document kind %q", kind)
	}
	if strings.TrimSpace(productCode) == "" {
		return "", fmt.Errorf("empty product code for %s document", kind)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s_%s%s", prefix, strings.TrimSpace(productCode), NormalizeATC(atc), ext), nil
}

// Record is one document scheduled for materialization. Every field is
// present for every kind; fields that do not apply stay empty.
type Record struct {
	Kind          Kind
	ProductCode   string // CIS
	ProductName   string
	ATCCode       string
	ATCLabel      string
	Princeps      string
	Authorisation string
	SourceDir     string
	SourceName    string // source filename (FR) or document URL (EU)
	URL           string
	ProductNumber string // EU product number
}

// PrincepsOrDefault maps a null reference product to PrincepsDefault.
func PrincepsOrDefault(code *string) string {
	if code == nil || *code == "" {
		return PrincepsDefault
	}
	return *code
}

// Layout is the dated extraction directory of one batch.
type Layout struct {
	Root string // {base}/Extract_RCP_YYYYMMDD
}

// DirName returns Extract_RCP_YYYYMMDD for t.
func DirName(t time.Time) string {
	return "Extract_RCP_" + t.Format("20060102")
}

// NewLayout returns the layout rooted under base for day t.
func NewLayout(base string, t time.Time) Layout {
	return Layout{Root: filepath.Join(base, DirName(t))}
}

// LayoutForBatch rebuilds the layout of an existing batch id.
func LayoutForBatch(base, batchID string) (Layout, error) {
	t, err := ParseBatchID(batchID)
	if err != nil {
		return Layout{}, err
	}
	return NewLayout(base, t), nil
}

// Dirs lists every directory the layout needs on disk.
func (l Layout) Dirs() []string {
	return []string{
		l.Root,
		filepath.Join(l.Root, "FR", "RCP"),
		filepath.Join(l.Root, "FR", "Notices"),
		filepath.Join(l.Root, "EU", "RCP_Notices"),
	}
}

func subdir(kind Kind) []string {
	switch kind {
	case KindRCP:
		return []string{"FR", "RCP"}
	case KindNotice:
		return []string{"FR", "Notices"}
	case KindEU:
		return []string{"EU", "RCP_Notices"}
	}
	return nil
}

// Dir is the local directory holding documents of kind.
func (l Layout) Dir(kind Kind) string {
	return filepath.Join(append([]string{l.Root}, subdir(kind)...)...)
}

// LocalPath is the local path of a document or report file.
func (l Layout) LocalPath(kind Kind, name string) string {
	return filepath.Join(l.Dir(kind), name)
}

// RemoteSubdir mirrors Dir below the remote base directory.
func (l Layout) RemoteSubdir(kind Kind) string {
	return path.Join(append([]string{filepath.Base(l.Root)}, subdir(kind)...)...)
}

// ExportDir mirrors the local export directory for display in reports.
func ExportDir(kind Kind) string {
	parts := subdir(kind)
	if len(parts) == 0 {
		return `\`
	}
	return `\` + strings.Join(parts, `\`) + `\`
}

const batchIDLayout = "20060102_150405"

// NewBatchID formats t as YYYYMMDD_HHMMSS.
func NewBatchID(t time.Time) string {
	return t.Format(batchIDLayout)
}

// ParseBatchID parses a YYYYMMDD_HHMMSS batch id in local time.
func ParseBatchID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(batchIDLayout, id, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid batch id %q: %w", id, err)
	}
	return t, nil
}
