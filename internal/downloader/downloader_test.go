package downloader

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBatch = "20250718_100000"

var pdfBody = []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\ntrailer\n%%EOF\n")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func fastOptions() FetchOptions {
	return FetchOptions{
		Retry:          throttle.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		RequestTimeout: 2 * time.Second,
		StallTimeout:   2 * time.Second,
	}
}

func rcpRecord(sourceDir string) document.Record {
	return document.Record{
		Kind:        document.KindRCP,
		ProductCode: "60446911",
		ProductName: "CHLORURE DE SODIUM",
		ATCCode:     "B05BB01",
		ATCLabel:    "Electrolytes",
		Princeps:    document.PrincepsDefault,
		SourceDir:   sourceDir,
		SourceName:  "R0152678.htm",
	}
}

func TestCopyIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	src, dst := t.TempDir(), t.TempDir()
	content := []byte("<html>RCP</html>")
	require.NoError(t, os.WriteFile(filepath.Join(src, "R0152678.htm"), content, 0o644))

	c := NewCopier(conn, throttle.Delay{}, discardLogger())

	first, err := c.Copy(ctx, testBatch, rcpRecord(src), dst)
	require.NoError(t, err)
	assert.Equal(t, db.CopyCopied, first.Outcome)
	assert.Equal(t, "R_60446911_B05BB01.htm", first.TargetName)

	second, err := c.Copy(ctx, testBatch, rcpRecord(src), dst)
	require.NoError(t, err)
	assert.Equal(t, db.CopyAlreadyPresent, second.Outcome)
	assert.Equal(t, first.TargetPath, second.TargetPath)

	got, err := os.ReadFile(first.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(1), c.Copied())

	recs, err := db.FilesForBatch(ctx, conn, testBatch)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, db.CopyAlreadyPresent, recs[0].CopyOutcome)
	assert.Equal(t, "R0152678.htm", recs[0].SourceName)
}

func TestCopySourceNotFound(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	dst := t.TempDir()

	c := NewCopier(conn, throttle.Delay{}, discardLogger())
	res, err := c.Copy(ctx, testBatch, rcpRecord(t.TempDir()), dst)
	require.NoError(t, err)
	assert.Equal(t, db.CopySourceNotFound, res.Outcome)
	assert.NoFileExists(t, res.TargetPath)

	rec, found, err := db.GetFile(ctx, conn, testBatch, res.TargetName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, db.CopySourceNotFound, rec.CopyOutcome)
}

func TestCopyTargetStatErrorIsReported(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "R0152678.htm"), []byte("x"), 0o644))
	// A regular file where the target directory should be makes every stat
	// below it fail with "not a directory" rather than "does not exist".
	notDir := filepath.Join(t.TempDir(), "extract")
	require.NoError(t, os.WriteFile(notDir, nil, 0o644))

	c := NewCopier(conn, throttle.Delay{}, discardLogger())
	res, err := c.Copy(ctx, testBatch, rcpRecord(src), notDir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, "copy-failed", res.Outcome)
	assert.Zero(t, c.Copied())

	rec, found, err := db.GetFile(ctx, conn, testBatch, res.TargetName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "copy-failed", rec.CopyOutcome)
	assert.Contains(t, rec.Detail, "not a directory")
}

func TestCopyAppliesDelay(t *testing.T) {
	conn := openTestDB(t)
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "R0152678.htm"), []byte("x"), 0o644))

	c := NewCopier(conn, throttle.Delay{Min: 30 * time.Millisecond, Max: 30 * time.Millisecond}, discardLogger())
	began := time.Now()
	_, err := c.Copy(context.Background(), testBatch, rcpRecord(src), dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(began), 30*time.Millisecond)
}

func euRecord(url string) document.Record {
	return document.Record{
		Kind:          document.KindEU,
		ProductCode:   "68000001",
		ProductName:   "KEYTRUDA",
		ATCCode:       "L01FF02",
		ATCLabel:      "Pembrolizumab",
		Princeps:      document.PrincepsDefault,
		URL:           url,
		ProductNumber: "EMEA/H/C/003820",
	}
}

func TestDownloadPDF(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBody)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), fastOptions(), discardLogger())

	path, err := f.Download(ctx, testBatch, euRecord(srv.URL+"/doc.pdf"), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "E_68000001_L01FF02.pdf"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, got)
	assert.NoFileExists(t, path+".part")

	rec, found, err := db.GetFile(ctx, conn, testBatch, "E_68000001_L01FF02.pdf")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, db.CopyDownloaded, rec.CopyOutcome)
	assert.Equal(t, document.KindEU, rec.DocumentType)
	assert.Equal(t, srv.URL+"/doc.pdf", rec.SourceName)
	assert.Equal(t, int64(1), f.Downloaded())
}

func TestDownloadExistingTargetSkipsRequest(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "E_68000001_L01FF02.pdf")
	require.NoError(t, os.WriteFile(existing, pdfBody, 0o644))

	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), fastOptions(), discardLogger())
	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), dir)
	require.NoError(t, err)
	assert.Equal(t, existing, path)
	assert.Equal(t, int32(0), hits.Load())

	rec, _, err := db.GetFile(ctx, conn, testBatch, "E_68000001_L01FF02.pdf")
	require.NoError(t, err)
	assert.Equal(t, db.CopyAlreadyPresent, rec.CopyOutcome)
}

func TestDownloadTargetStatErrorIsReturned(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBody)
	}))
	defer srv.Close()

	notDir := filepath.Join(t.TempDir(), "EU")
	require.NoError(t, os.WriteFile(notDir, nil, 0o644))

	f := NewFetcher(openTestDB(t), srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), fastOptions(), discardLogger())
	path, err := f.Download(context.Background(), testBatch, euRecord(srv.URL), notDir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
	assert.Empty(t, path)
	assert.Zero(t, hits.Load())
}

func TestDownloadContentTypeMismatchIsTerminal(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>no pdf here</html>")
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), fastOptions(), discardLogger())
	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), dir)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, int32(1), hits.Load(), "content type mismatch is not retried")

	rec, _, err := db.GetFile(ctx, conn, testBatch, "E_68000001_L01FF02.pdf")
	require.NoError(t, err)
	assert.Equal(t, db.CopyWrongType, rec.CopyOutcome)
	assert.Contains(t, rec.Detail, "text/html")
}

func TestDownloadFollowsLandingPage(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/epar", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><a href="/files/product-information_fr.pdf">PI</a></html>`)
	})
	mux.HandleFunc("/files/product-information_fr.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := fastOptions()
	opts.FollowHTML = true
	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), opts, discardLogger())

	path, err := f.Download(ctx, testBatch, euRecord(srv.URL+"/epar"), t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, got)
}

func TestDownloadRateLimitedTripsBreaker(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBody)
	}))
	defer srv.Close()

	breaker := throttle.NewBreaker(2, 20*time.Millisecond, discardLogger())
	f := NewFetcher(conn, srv.Client(), breaker, fastOptions(), discardLogger())

	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 1, breaker.Pauses())
	assert.Equal(t, 0, breaker.Consecutive(), "success resets the counter")
}

func TestDownloadNetworkErrorResetsBreaker(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1, 3:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			nc, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				nc.Close()
			}
		default:
			w.Header().Set("Content-Type", "application/pdf")
			w.Write(pdfBody)
		}
	}))
	defer srv.Close()

	// No connection reuse, so the transport never replays the dropped request.
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	opts := fastOptions()
	opts.Retry.MaxAttempts = 4
	breaker := throttle.NewBreaker(2, 20*time.Millisecond, discardLogger())
	f := NewFetcher(conn, client, breaker, opts, discardLogger())

	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, int32(4), hits.Load())
	assert.Zero(t, breaker.Pauses(), "429s separated by a network error are not consecutive")
	assert.Zero(t, breaker.Consecutive())
}

func TestDownloadRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), fastOptions(), discardLogger())
	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, int32(3), hits.Load())

	failed, err := db.FailedDownloads(ctx, conn, testBatch)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, db.CopyDownloadFailed, failed[0].CopyOutcome)
	assert.Contains(t, failed[0].Detail, "502")
}

func TestDownloadStallGuard(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBody[:4])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := fastOptions()
	opts.Retry.MaxAttempts = 1
	opts.StallTimeout = 50 * time.Millisecond
	dir := t.TempDir()
	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), opts, discardLogger())

	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), dir)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.NoFileExists(t, filepath.Join(dir, "E_68000001_L01FF02.pdf.part"))

	rec, _, err := db.GetFile(ctx, conn, testBatch, "E_68000001_L01FF02.pdf")
	require.NoError(t, err)
	assert.Equal(t, db.CopyDownloadFailed, rec.CopyOutcome)
	assert.Contains(t, rec.Detail, "stalled")
}

func TestDownloadStallGuardBoundsSlowBody(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		for _, b := range pdfBody {
			if _, err := w.Write([]byte{b}); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-time.After(20 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.Retry.MaxAttempts = 1
	opts.StallTimeout = 150 * time.Millisecond
	dir := t.TempDir()
	f := NewFetcher(conn, srv.Client(), throttle.NewBreaker(3, time.Millisecond, discardLogger()), opts, discardLogger())

	began := time.Now()
	path, err := f.Download(ctx, testBatch, euRecord(srv.URL), dir)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Less(t, time.Since(began), 20*time.Millisecond*time.Duration(len(pdfBody)))
	assert.NoFileExists(t, filepath.Join(dir, "E_68000001_L01FF02.pdf"))
	assert.NoFileExists(t, filepath.Join(dir, "E_68000001_L01FF02.pdf.part"))

	rec, _, err := db.GetFile(ctx, conn, testBatch, "E_68000001_L01FF02.pdf")
	require.NoError(t, err)
	assert.Equal(t, db.CopyDownloadFailed, rec.CopyOutcome)
	assert.Contains(t, rec.Detail, "stalled")
}

func TestDownloadRequiresURL(t *testing.T) {
	conn := openTestDB(t)
	f := NewFetcher(conn, nil, throttle.NewBreaker(3, time.Millisecond, discardLogger()), fastOptions(), discardLogger())
	_, err := f.Download(context.Background(), testBatch, euRecord(""), t.TempDir())
	assert.Error(t, err)
}
