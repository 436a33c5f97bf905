package transfer

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/document"
	"github.com/codexdist/rcpsync/internal/throttle"
)

const testBatch = "20250718_100000"

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

// memRemote is an in-memory Remote. failCreate makes the next n creates
// fail; truncate drops the last byte of every upload; statErr is returned
// by every Stat.
type memRemote struct {
	mu         sync.Mutex
	files      map[string][]byte
	dirs       map[string]bool
	creates    int
	failCreate int
	truncate   bool
	statErr    error
}

func newMemRemote() *memRemote {
	return &memRemote{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

type memInfo struct {
	name string
	size int64
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() fs.FileMode  { return 0o644 }
func (i memInfo) ModTime() time.Time { return time.Time{} }
func (i memInfo) IsDir() bool        { return false }
func (i memInfo) Sys() any           { return nil }

func (m *memRemote) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statErr != nil {
		return nil, m.statErr
	}
	b, ok := m.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return memInfo{name: path.Base(p), size: int64(len(b))}, nil
}

func (m *memRemote) MkdirAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := p; d != "/" && d != "."; d = path.Dir(d) {
		m.dirs[d] = true
	}
	return nil
}

type memWriter struct {
	m    *memRemote
	p    string
	data bytes.Buffer
}

func (w *memWriter) Write(b []byte) (int, error) { return w.data.Write(b) }

func (w *memWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	b := w.data.Bytes()
	if w.m.truncate && len(b) > 0 {
		b = b[:len(b)-1]
	}
	w.m.files[w.p] = append([]byte(nil), b...)
	return nil
}

func (m *memRemote) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failCreate > 0 {
		m.failCreate--
		return nil, errors.New("permission denied")
	}
	if !m.dirs[path.Dir(p)] {
		return nil, fs.ErrNotExist
	}
	return &memWriter{m: m, p: p}, nil
}

func (m *memRemote) get(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[p]
	return b, ok
}

func (m *memRemote) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// seedFile writes a local document and its audit row.
func seedFile(t *testing.T, conn *sql.DB, layout document.Layout, kind document.Kind, name string, content []byte) string {
	t.Helper()
	dir := layout.Dir(kind)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	if content != nil {
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}
	rec := document.Record{Kind: kind, ProductCode: "60446911", ATCCode: "B05BB01", SourceName: name}
	require.NoError(t, db.UpsertFile(context.Background(), conn, db.NewFileRecord(testBatch, rec, dir, name, db.CopyCopied, time.Now())))
	return p
}

func testLayout(t *testing.T) document.Layout {
	ts, err := document.ParseBatchID(testBatch)
	require.NoError(t, err)
	return document.NewLayout(t.TempDir(), ts)
}

func transferOutcome(t *testing.T, conn *sql.DB, name string) string {
	t.Helper()
	rec, ok, err := db.GetFile(context.Background(), conn, testBatch, name)
	require.NoError(t, err)
	require.True(t, ok)
	return rec.TransferOutcome
}

func TestEngineTransferUploads(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	local := seedFile(t, conn, layout, document.KindRCP, "R_60446911_B05BB01.htm", []byte("<html>rcp</html>"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	req := Request{BatchID: testBatch, LocalPath: local, RemoteDir: "/in/Extract_RCP_20250718/FR/RCP", Name: "R_60446911_B05BB01.htm"}
	outcome, err := e.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, db.TransferOK, outcome)

	got, ok := remote.get("/in/Extract_RCP_20250718/FR/RCP/R_60446911_B05BB01.htm")
	require.True(t, ok)
	assert.Equal(t, "<html>rcp</html>", string(got))
	assert.Equal(t, db.TransferOK, transferOutcome(t, conn, req.Name))

	// Second push finds the same size remotely and does not upload.
	outcome, err = e.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, db.TransferSameSize, outcome)
	assert.Equal(t, 1, remote.createCount())
	assert.Equal(t, db.TransferSameSize, transferOutcome(t, conn, req.Name))

	up, skipped, failed := e.Stats()
	assert.Equal(t, int64(1), up)
	assert.Equal(t, int64(1), skipped)
	assert.Zero(t, failed)
}

func TestEngineTransferFailureRecorded(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	remote.failCreate = 1
	local := seedFile(t, conn, layout, document.KindNotice, "N_60446911_B05BB01.htm", []byte("notice"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	outcome, err := e.Transfer(ctx, Request{BatchID: testBatch, LocalPath: local, RemoteDir: "/in", Name: "N_60446911_B05BB01.htm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, db.TransferFailed, outcome)
	assert.Equal(t, db.TransferFailed, transferOutcome(t, conn, "N_60446911_B05BB01.htm"))
}

func TestEngineTransferSizeMismatch(t *testing.T) {
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	remote.truncate = true
	local := seedFile(t, conn, layout, document.KindEU, "E_68000001_L01FF02.pdf", []byte("%PDF-1.7 body"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	outcome, err := e.Transfer(context.Background(), Request{BatchID: testBatch, LocalPath: local, RemoteDir: "/in", Name: "E_68000001_L01FF02.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
	assert.Equal(t, db.TransferFailed, outcome)
}

func TestEngineTransferRemoteStatError(t *testing.T) {
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	remote.statErr = &fs.PathError{Op: "stat", Path: "/in/R_60446911_B05BB01.htm", Err: fs.ErrPermission}
	local := seedFile(t, conn, layout, document.KindRCP, "R_60446911_B05BB01.htm", []byte("<html>rcp</html>"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	outcome, err := e.Transfer(context.Background(), Request{BatchID: testBatch, LocalPath: local, RemoteDir: "/in", Name: "R_60446911_B05BB01.htm"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, db.TransferFailed, outcome)
	assert.Zero(t, remote.createCount())
	assert.Equal(t, db.TransferFailed, transferOutcome(t, conn, "R_60446911_B05BB01.htm"))

	_, _, failed := e.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestReconcilerRetriesUntilDelivered(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	remote.failCreate = 2

	seedFile(t, conn, layout, document.KindRCP, "R_1_A______.htm", []byte("one"))
	seedFile(t, conn, layout, document.KindNotice, "N_2_B______.htm", []byte("two"))
	seedFile(t, conn, layout, document.KindRCP, "R_3_C______.htm", nil)
	seedFile(t, conn, layout, document.KindEU, "E_4_D______.pdf", []byte("eu"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	r := NewReconciler(conn, e, throttle.NewLimiter("fr-sftp", 2), layout, "/in", 3, discardLogger())

	remaining, err := r.Run(ctx, testBatch, document.KindRCP, document.KindNotice)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	assert.Equal(t, db.TransferOK, transferOutcome(t, conn, "R_1_A______.htm"))
	assert.Equal(t, db.TransferOK, transferOutcome(t, conn, "N_2_B______.htm"))
	assert.Equal(t, db.TransferLocalMissing, transferOutcome(t, conn, "R_3_C______.htm"))
	assert.Empty(t, transferOutcome(t, conn, "E_4_D______.pdf"), "other side untouched")

	_, ok := remote.get("/in/Extract_RCP_20250718/FR/RCP/R_1_A______.htm")
	assert.True(t, ok)
	_, ok = remote.get("/in/Extract_RCP_20250718/FR/Notices/N_2_B______.htm")
	assert.True(t, ok)
}

func TestReconcilerGivesUpAfterPasses(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	remote.failCreate = 100

	seedFile(t, conn, layout, document.KindEU, "E_4_D______.pdf", []byte("eu"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	r := NewReconciler(conn, e, throttle.NewLimiter("eu-sftp", 1), layout, "/in", 2, discardLogger())

	remaining, err := r.Run(ctx, testBatch, document.KindEU)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 2, remote.createCount())

	outcome, err := r.TransferBulk(ctx, testBatch, remaining, filepath.Join(layout.Root, "transfert_RcpNotice_cleyrop_20250718.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, "blocked", outcome)
	assert.Equal(t, 2, remote.createCount())
}

func TestTransferBulkDeliversReport(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	layout := testLayout(t)
	remote := newMemRemote()
	require.NoError(t, os.MkdirAll(layout.Root, 0o755))
	report := filepath.Join(layout.Root, "transfert_RcpNotice_cleyrop_20250718.xlsx")
	require.NoError(t, os.WriteFile(report, []byte("xlsx"), 0o644))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	r := NewReconciler(conn, e, throttle.NewLimiter("fr-sftp", 1), layout, "/in", 1, discardLogger())

	outcome, err := r.TransferBulk(ctx, testBatch, 0, report)
	require.NoError(t, err)
	assert.Equal(t, db.TransferOK, outcome)
	_, ok := remote.get("/in/Extract_RCP_20250718/transfert_RcpNotice_cleyrop_20250718.xlsx")
	assert.True(t, ok)

	rec, ok, err := db.GetFile(ctx, conn, testBatch, "transfert_RcpNotice_cleyrop_20250718.xlsx")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, document.KindReport, rec.DocumentType)
	assert.Equal(t, db.TransferOK, rec.TransferOutcome)
}

func TestSFTPRemoteAgainstInMemoryServer(t *testing.T) {
	c1, c2 := net.Pipe()
	server := sftp.NewRequestServer(c1, sftp.InMemHandler())
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	client, err := sftp.NewClientPipe(c2, c2)
	require.NoError(t, err)
	remote := NewSFTPRemote(client)
	t.Cleanup(func() { remote.Close() })

	conn := openTestDB(t)
	layout := testLayout(t)
	local := seedFile(t, conn, layout, document.KindRCP, "R_1_A______.htm", []byte("hello sftp"))

	e := NewEngine(conn, remote, throttle.Delay{}, discardLogger())
	req := Request{BatchID: testBatch, LocalPath: local, RemoteDir: "/in/Extract_RCP_20250718/FR/RCP", Name: "R_1_A______.htm"}
	outcome, err := e.Transfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, db.TransferOK, outcome)

	fi, err := remote.Stat(req.RemotePath())
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello sftp")), fi.Size())

	outcome, err = e.Transfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, db.TransferSameSize, outcome)
}
