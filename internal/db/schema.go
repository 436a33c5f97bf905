package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_batches",
		sql: `
CREATE SEQUENCE IF NOT EXISTS batches_id_seq;
CREATE TABLE IF NOT EXISTS batches (
    id               BIGINT PRIMARY KEY DEFAULT nextval('batches_id_seq'),
    batch_id         VARCHAR NOT NULL UNIQUE,  -- YYYYMMDD_HHMMSS
    started_at       TIMESTAMP NOT NULL,
    ended_at         TIMESTAMP,
    duration_seconds DOUBLE,
    files_processed  BIGINT NOT NULL DEFAULT 0,
    files_r          BIGINT NOT NULL DEFAULT 0,
    files_n          BIGINT NOT NULL DEFAULT 0,
    files_e          BIGINT NOT NULL DEFAULT 0
);`,
	},
	{
		// No secondary indexes: updating an indexed column in DuckDB is a
		// delete+insert that trips the unique constraint.
		version: 2,
		name:    "create_file_transfers",
		sql: `
CREATE SEQUENCE IF NOT EXISTS file_transfers_id_seq;
CREATE TABLE IF NOT EXISTS file_transfers (
    id               BIGINT PRIMARY KEY DEFAULT nextval('file_transfers_id_seq'),
    batch_id         VARCHAR NOT NULL,
    source_dir       VARCHAR,
    source_name      VARCHAR,          -- source filename or document URL
    target_dir       VARCHAR NOT NULL,
    target_name      VARCHAR NOT NULL, -- canonical filename
    product_code     VARCHAR,
    atc_code         VARCHAR,
    document_type    VARCHAR NOT NULL,
    atc_label        VARCHAR,
    product_name     VARCHAR,
    princeps_generic VARCHAR,
    copied_at        TIMESTAMP,
    copy_outcome     VARCHAR,
    detail           VARCHAR,
    transferred_at   TIMESTAMP,
    transfer_outcome VARCHAR,
    UNIQUE (batch_id, target_name)
);`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR NOT NULL,
    applied_at TIMESTAMP NOT NULL
);`

// Open opens the audit database at path (":memory:" or "" for an
// in-memory store), verifies it answers and applies pending migrations.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path == ":memory:" {
		dsn = ""
	}
	if dsn != "" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory for %s: %w", dsn, err)
		}
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database (%s): %w", path, err)
	}
	// Single writer; every query result is fully read before the next statement.
	conn.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping duckdb database (%s): %w", path, err)
	}
	if err := InitializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// InitializeSchema applies every migration not yet recorded in
// schema_migrations, in version order. Re-running it is a no-op.
func InitializeSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating migrations: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d (%s): begin: %w", m.version, m.name, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.sql) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC()); err != nil {
		return fmt.Errorf("migration %d (%s): record: %w", m.version, m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d (%s): commit: %w", m.version, m.name, err)
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}
