package document

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalFilename(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		code    string
		atc     string
		ext     string
		want    string
		wantErr bool
	}{
		{name: "full atc", kind: KindRCP, code: "60446911", atc: "B05BB01", ext: ".htm", want: "R_60446911_B05BB01.htm"},
		{name: "short atc padded", kind: KindRCP, code: "60446911", atc: "B05B", ext: ".htm", want: "R_60446911_B05B___.htm"},
		{name: "notice", kind: KindNotice, code: "61234567", atc: "A02BC05", ext: ".htm", want: "N_61234567_A02BC05.htm"},
		{name: "eu pdf", kind: KindEU, code: "68000001", atc: "L01XE", ext: "pdf", want: "E_68000001_L01XE__.pdf"},
		{name: "separators stripped", kind: KindRCP, code: "1", atc: `A/B\C`, ext: ".htm", want: "R_1_ABC____.htm"},
		{name: "empty atc", kind: KindNotice, code: "2", atc: "", ext: ".htm", want: "N_2________.htm"},
		{name: "long atc kept", kind: KindEU, code: "3", atc: "ABCDEFGH", ext: ".pdf", want: "E_3_ABCDEFGH.pdf"},
		{name: "report kind rejected", kind: KindReport, code: "4", atc: "X", ext: ".xlsx", wantErr: true},
		{name: "empty code rejected", kind: KindRCP, code: " ", atc: "X", ext: ".htm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalFilename(tt.kind, tt.code, tt.atc, tt.ext)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalFilenameDeterministic(t *testing.T) {
	a, err := CanonicalFilename(KindRCP, "60446911", "B05B", ".htm")
	require.NoError(t, err)
	b, err := CanonicalFilename(KindRCP, "60446911", "B05B", ".htm")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, NormalizeATC("B05B"), 7)
}

func TestKindFromFilename(t *testing.T) {
	k, ok := KindFromFilename("R_1_A______.htm")
	assert.True(t, ok)
	assert.Equal(t, KindRCP, k)

	k, ok = KindFromFilename("E_1_A______.pdf")
	assert.True(t, ok)
	assert.Equal(t, KindEU, k)

	_, ok = KindFromFilename("transfert_RcpNotice_cleyrop_x.xlsx")
	assert.False(t, ok)
}

func TestLayout(t *testing.T) {
	day := time.Date(2025, 7, 18, 14, 3, 9, 0, time.Local)
	l := NewLayout("/data/out", day)

	assert.Equal(t, filepath.Join("/data/out", "Extract_RCP_20250718"), l.Root)
	assert.Equal(t, filepath.Join(l.Root, "FR", "Notices", "N_1.htm"), l.LocalPath(KindNotice, "N_1.htm"))
	assert.Equal(t, "Extract_RCP_20250718/EU/RCP_Notices", l.RemoteSubdir(KindEU))
	assert.Equal(t, "Extract_RCP_20250718", l.RemoteSubdir(KindReport))
	assert.Equal(t, l.Root, l.Dir(KindReport))
	assert.Len(t, l.Dirs(), 4)
	assert.Equal(t, `\FR\RCP\`, ExportDir(KindRCP))
}

func TestBatchIDRoundTrip(t *testing.T) {
	day := time.Date(2025, 7, 18, 14, 3, 9, 0, time.Local)
	id := NewBatchID(day)
	assert.Equal(t, "20250718_140309", id)

	l, err := LayoutForBatch("/out", id)
	require.NoError(t, err)
	assert.Equal(t, NewLayout("/out", day), l)

	_, err = ParseBatchID("not-a-batch")
	assert.Error(t, err)
}

func TestPrincepsOrDefault(t *testing.T) {
	assert.Equal(t, PrincepsDefault, PrincepsOrDefault(nil))
	code := "60000001"
	assert.Equal(t, code, PrincepsOrDefault(&code))
}
