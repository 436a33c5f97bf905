package downloader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
	"github.com/codexdist/rcpsync/internal/util"
)

const (
	pdfContentType  = "application/pdf"
	htmlContentType = "text/html"
	maxLandingPage  = 4 << 20
)

var (
	// ErrUnexpectedContentType marks a response that is not a PDF.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrStalled marks a body not fully written within StallTimeout.
	ErrStalled = errors.New("download stalled")
	// ErrRequestTimeout marks a server that did not answer in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// FetchOptions tune the remote download.
type FetchOptions struct {
	Retry          throttle.RetryPolicy
	RequestTimeout time.Duration // time allowed to receive response headers
	StallTimeout   time.Duration // total time allowed to stream and write the body
	FollowHTML     bool          // resolve one .pdf link from an HTML landing page
}

// DefaultFetchOptions are the production download settings.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		Retry:          throttle.DefaultRetryPolicy(),
		RequestTimeout: 30 * time.Second,
		StallTimeout:   60 * time.Second,
	}
}

// Fetcher downloads EU documents as PDFs.
type Fetcher struct {
	dbConn  *sql.DB
	client  *http.Client
	breaker *throttle.Breaker
	opts    FetchOptions
	logger  *slog.Logger

	downloaded atomic.Int64
}

// NewFetcher returns a fetcher sharing breaker with every other download
// of the run.
func NewFetcher(dbConn *sql.DB, client *http.Client, breaker *throttle.Breaker, opts FetchOptions, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = util.DefaultHTTPClient()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 60 * time.Second
	}
	return &Fetcher{dbConn: dbConn, client: client, breaker: breaker, opts: opts, logger: logger}
}

// Downloaded is the number of PDFs written by this fetcher.
func (f *Fetcher) Downloaded() int64 { return f.downloaded.Load() }

// Download fetches rec.URL into targetDir under its canonical filename
// and returns the local path. An existing target is returned as is.
// Terminal failures (wrong content type, retries exhausted) are recorded
// and yield "" with a nil error; only missing parameters, a failed target
// stat and audit failures return an error.
func (f *Fetcher) Download(ctx context.Context, batchID string, rec document.Record, targetDir string) (string, error) {
	if strings.TrimSpace(rec.URL) == "" {
		return "", fmt.Errorf("download %s: missing document url", rec.ProductCode)
	}
	rec.Kind = document.KindEU
	if rec.SourceName == "" {
		rec.SourceName = rec.URL
	}
	name, err := document.CanonicalFilename(document.KindEU, rec.ProductCode, rec.ATCCode, ".pdf")
	if err != nil {
		return "", err
	}
	target := filepath.Join(targetDir, name)
	l := f.logger.With(slog.String("target", name), slog.String("url", rec.URL))

	present, err := fileExists(target)
	if err != nil {
		return "", err
	}
	if present {
		l.Debug("PDF already present, skipping download.")
		row := db.NewFileRecord(batchID, rec, targetDir, name, db.CopyAlreadyPresent, time.Now())
		if err := db.UpsertFile(ctx, f.dbConn, row); err != nil {
			return "", err
		}
		return target, nil
	}

	row := db.NewFileRecord(batchID, rec, targetDir, name, db.CopyPending, time.Now())
	if err := db.UpsertFile(ctx, f.dbConn, row); err != nil {
		return "", err
	}

	start := time.Now()
	dlErr := f.opts.Retry.Do(ctx, l, func(ctx context.Context, attempt int) error {
		err := f.attempt(ctx, rec.URL, target, f.opts.FollowHTML)
		if err != nil && !throttle.IsPermanent(err) {
			l.Warn("Download attempt failed.", slog.Int("attempt", attempt), "error", err)
		}
		return err
	})

	outcome, detail := db.CopyDownloaded, ""
	switch {
	case dlErr == nil:
		f.downloaded.Add(1)
		l.Info("PDF downloaded.", slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	case errors.Is(dlErr, ErrUnexpectedContentType):
		outcome, detail = db.CopyWrongType, dlErr.Error()
		l.Warn("URL does not serve a PDF.", "error", dlErr)
	default:
		outcome, detail = db.CopyDownloadFailed, dlErr.Error()
		l.Error("Download failed after retries.", "error", dlErr)
	}

	// ctx may be cancelled here; the outcome must still be recorded.
	if err := db.UpdateCopyOutcome(context.WithoutCancel(ctx), f.dbConn, batchID, name, outcome, detail, time.Now()); err != nil {
		return "", err
	}
	if dlErr != nil {
		return "", nil
	}
	return target, nil
}

// attempt performs one GET and streams a PDF body to target. A 429 feeds
// the breaker and any other outcome resets its streak; a content-type
// mismatch is permanent.
func (f *Fetcher) attempt(ctx context.Context, url, target string, followHTML bool) error {
	if err := f.breaker.Wait(ctx); err != nil {
		return throttle.Permanent(err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return throttle.Permanent(fmt.Errorf("build request for %s: %w", url, err))
	}
	req.Header.Set("User-Agent", util.RandomUserAgent())
	req.Header.Set("Accept", "application/pdf,text/html;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")

	var headerTimedOut atomic.Bool
	headerTimer := time.AfterFunc(f.opts.RequestTimeout, func() {
		headerTimedOut.Store(true)
		cancel()
	})
	resp, err := f.client.Do(req)
	headerTimer.Stop()
	if err != nil {
		f.breaker.RecordSuccess()
		if headerTimedOut.Load() {
			return fmt.Errorf("%w after %s: %s", ErrRequestTimeout, f.opts.RequestTimeout, url)
		}
		if ctx.Err() != nil {
			return throttle.Permanent(ctx.Err())
		}
		return fmt.Errorf("http do request for %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if err := f.breaker.RecordRateLimited(ctx); err != nil {
			return throttle.Permanent(err)
		}
		return util.CheckStatus(resp)
	}
	f.breaker.RecordSuccess()
	if err := util.CheckStatus(resp); err != nil {
		return err
	}

	mediaType := contentType(resp.Header.Get("Content-Type"))
	if mediaType == htmlContentType && followHTML {
		link, err := util.FirstPDFLink(io.LimitReader(resp.Body, maxLandingPage), resp.Request.URL)
		if err != nil {
			return throttle.Permanent(fmt.Errorf("%w: %s (%v)", ErrUnexpectedContentType, mediaType, err))
		}
		f.logger.Debug("Following PDF link from landing page.", slog.String("from", url), slog.String("to", link))
		return f.attempt(ctx, link, target, false)
	}
	if mediaType != pdfContentType {
		return throttle.Permanent(fmt.Errorf("%w: got %q from %s", ErrUnexpectedContentType, mediaType, url))
	}

	return f.writeBody(resp.Body, target, cancel)
}

// writeBody streams body to target via a .part file. The stall guard is
// armed once and cancels the request when the body is not fully written
// within StallTimeout, however slowly bytes keep arriving; the partial file
// is removed.
func (f *Fetcher) writeBody(body io.Reader, target string, cancel context.CancelFunc) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	var stalled atomic.Bool
	guard := time.AfterFunc(f.opts.StallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	_, copyErr := io.Copy(out, body)
	guard.Stop()
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(tmp)
		if stalled.Load() {
			return fmt.Errorf("%w: body not complete after %s", ErrStalled, f.opts.StallTimeout)
		}
		return fmt.Errorf("write %s: %w", target, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func contentType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mediaType
}
