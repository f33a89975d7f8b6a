// Package store provides the durable local cache and sync queue for the
// apis field client.
//
// The store is an embedded SQLite database opened in WAL mode so the read
// path can run concurrently with queue writes. Two tables matter:
//
//   - records: one row per cached entity, keyed by (tbl, local_id). The
//     local_id is client-generated and stable; the server id is bound the
//     first time a create is confirmed.
//   - sync_queue: the durable, ordered list of not-yet-confirmed mutations.
//     Items that sync successfully are removed; items that fail stay with
//     status='failed' for operator-triggered retry.
//
// Enqueue writes the optimistic record update and the queue entry in one
// transaction, so a crash between the two steps cannot leave a local edit
// silently unqueued.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a record or queue item does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with cache and queue operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL mode so reads never block behind queue writes
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the records and sync_queue tables if they don't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		local_id TEXT NOT NULL,
		server_id TEXT,
		tenant_id TEXT,
		hive_id TEXT,
		payload TEXT,
		synced_at TEXT,
		accessed_at TEXT NOT NULL,
		pending_sync INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tbl, local_id)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		action TEXT NOT NULL,
		local_id TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_server
	    ON records(tbl, server_id) WHERE server_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_records_pending ON records(pending_sync);
	CREATE INDEX IF NOT EXISTS idx_records_synced ON records(tbl, synced_at);
	CREATE INDEX IF NOT EXISTS idx_records_hive ON records(tbl, hive_id);

	CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(local_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeFormat is RFC 3339 with fixed nanosecond width. RFC3339Nano trims
// trailing zeros, which breaks lexicographic ordering of TEXT columns
// ("...:05Z" sorts after "...:05.5Z"); the fixed width keeps string order
// equal to time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// timeToString converts a time to its TEXT column representation.
func timeToString(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: timeToString(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
