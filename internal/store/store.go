// Package store provides the SQLite-backed persistence used by the offline
// queue, the warm-up cache and the indicator state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

const createQueueTableSQL = `
CREATE TABLE IF NOT EXISTS queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    report_id INTEGER NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_status_seq ON queue(status, seq);
`

const createRefsTableSQL = `
CREATE TABLE IF NOT EXISTS measurement_refs (
    client_ref TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL,
    report_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    server_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_refs_entry ON measurement_refs(entry_id);
CREATE INDEX IF NOT EXISTS idx_refs_server ON measurement_refs(server_id);
`

const createCacheTableSQL = `
CREATE TABLE IF NOT EXISTS cache (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    ttl INTEGER NOT NULL,
    timestamp INTEGER NOT NULL
);
`

const createMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every statement the store knows. It runs either directly on
// the connection or inside a transaction (see DB.WithTx).
type Queries struct {
	q   execer
	now func() time.Time
}

// DB is the SQLite database holding the offline state
type DB struct {
	*Queries
	path string
	conn *sql.DB
}

// Open creates or opens the database at path and initializes the schema.
// The connection runs in WAL mode with synchronous=FULL so a committed write
// survives a crash right after it returns.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection avoids "database is locked"
	// when the engine's stream workers finish at the same time.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for name, stmt := range map[string]string{
		"queue":            createQueueTableSQL,
		"measurement_refs": createRefsTableSQL,
		"cache":            createCacheTableSQL,
		"meta":             createMetaTableSQL,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", name, err)
		}
	}

	return &DB{
		Queries: &Queries{q: conn, now: time.Now},
		path:    path,
		conn:    conn,
	}, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil
func (db *DB) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Queries{q: tx, now: db.now}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetClock replaces the time source used for cache expiry (tests)
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}
