package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/orchestrator"
)

func TestNewLogger(t *testing.T) {
	l, err := newLogger("debug", "json", "stderr")
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = newLogger("verbose", "text", "stderr")
	require.Error(t, err)
	_, err = newLogger("info", "xml", "stderr")
	require.Error(t, err)
}

func TestNewLoggerFileOutput(t *testing.T) {
	logFile = nil
	path := filepath.Join(t.TempDir(), "logs", "rcpsync.log")
	l, err := newLogger("info", "text", path)
	require.NoError(t, err)
	require.NotNil(t, logFile)
	t.Cleanup(func() { logFile.Close(); logFile = nil })

	l.Info("Hello.")
	assert.FileExists(t, path)
}

func TestSummaryLine(t *testing.T) {
	assert.Equal(t, "No batch created.", summaryLine(orchestrator.Summary{}))

	line := summaryLine(orchestrator.Summary{
		BatchID:     "20250718_100000",
		State:       orchestrator.StateClosed,
		Duration:    61500 * time.Millisecond,
		Counts:      db.Counts{Total: 3, R: 1, N: 1, E: 1},
		Uploaded:    2,
		RemainingEU: 1,
	})
	assert.Equal(t, "Batch 20250718_100000 closed in 1m2s: 3 files (R 1, N 1, E 1), 2 uploaded, remaining FR 0 EU 1, report -.", line)
}
