package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/codexdist/rcpsync/internal/config"
	"github.com/codexdist/rcpsync/internal/document"
)

const listDocumentsSQL = `
SELECT v.code_cis,
       v.nom_vu,
       v.dbo_autorisation_lib_abr,
       v.dbo_classe_atc_lib_abr,
       v.dbo_classe_atc_lib_court,
       v.code_vuprinceps,
       mh.doc_id,
       mh.hname
FROM vuutil v
INNER JOIN mocatordocument_html mh ON v.code_vu = mh.spec_id
WHERE v.dbo_statut_speci_lib_abr = 'Actif'
  AND LEFT(mh.hname, 1) = ?`

const lookupProductSQL = `
SELECT vu.code_cis,
       vu.nom_vu,
       vu.dbo_classe_atc_lib_abr,
       vu.dbo_classe_atc_lib_court,
       vu.code_vuprinceps
FROM vuutil vu
WHERE vu.code_cis = ?
ORDER BY vu.dbo_classe_atc_lib_abr
LIMIT 1`

// MySQL reads documents from the extraction database.
type MySQL struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Source = (*MySQL)(nil)

// DSN builds the driver DSN for cfg.
func DSN(cfg config.Source) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	mc.ReadTimeout = 5 * time.Minute
	return mc.FormatDSN()
}

// OpenMySQL opens and pings the extraction database.
func OpenMySQL(ctx context.Context, cfg config.Source, logger *slog.Logger) (*MySQL, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, errors.New("source database not configured (CODEX_EXTRACT_HOST, CODEX_EXTRACT_DATABASE)")
	}
	conn, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping source database %s: %w", cfg.Host, err)
	}
	logger.Info("Source database connected.", slog.String("host", cfg.Host), slog.String("database", cfg.Database))
	return NewMySQL(conn, logger), nil
}

// NewMySQL wraps an open connection pool.
func NewMySQL(conn *sql.DB, logger *slog.Logger) *MySQL {
	return &MySQL{db: conn, logger: logger}
}

// Close releases the connection pool.
func (m *MySQL) Close() error { return m.db.Close() }

// ListDocuments implements Source.
func (m *MySQL) ListDocuments(ctx context.Context, kind document.Kind) ([]DocumentRow, error) {
	prefix := kind.Prefix()
	if kind != document.KindRCP && kind != document.KindNotice {
		return nil, fmt.Errorf("no document list for kind %q", kind)
	}
	rows, err := m.db.QueryContext(ctx, listDocumentsSQL, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s documents: %w", kind, err)
	}
	defer rows.Close()

	var out []DocumentRow
	for rows.Next() {
		var r DocumentRow
		var name, auth, atc, atcLabel, princeps sql.NullString
		var docID sql.NullInt64
		if err := rows.Scan(&r.ProductCode, &name, &auth, &atc, &atcLabel, &princeps, &docID, &r.FileName); err != nil {
			return nil, fmt.Errorf("failed to scan %s document row: %w", kind, err)
		}
		r.ProductName, r.Authorisation, r.ATCCode, r.ATCLabel = name.String, auth.String, atc.String, atcLabel.String
		r.DocID = docID.Int64
		if princeps.Valid {
			p := princeps.String
			r.Princeps = &p
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s documents: %w", kind, err)
	}
	m.logger.Info("Documents listed.", slog.String("kind", string(kind)), slog.Int("count", len(out)))
	return out, nil
}

// LookupProduct implements Source.
func (m *MySQL) LookupProduct(ctx context.Context, productCode string) (Product, error) {
	var p Product
	var name, atc, atcLabel, princeps sql.NullString
	err := m.db.QueryRowContext(ctx, lookupProductSQL, productCode).Scan(&p.ProductCode, &name, &atc, &atcLabel, &princeps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productCode)
		}
		return Product{}, fmt.Errorf("failed to look up product %s: %w", productCode, err)
	}
	p.ProductName, p.ATCCode, p.ATCLabel = name.String, atc.String, atcLabel.String
	if princeps.Valid {
		s := princeps.String
		p.Princeps = &s
	}
	return p, nil
}
