package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jermoo/apis/apis-client/internal/record"
)

// Filter narrows record reads. Zero value matches everything in a table.
type Filter struct {
	// HiveID restricts to records scoped to one hive (empty = all).
	HiveID string
	// TenantID restricts to one tenant (empty = all).
	TenantID string
	// IncludeDeleted includes tombstoned records awaiting delete confirmation.
	IncludeDeleted bool
	// PendingOnly restricts to records with an outstanding queue entry.
	PendingOnly bool
}

const recordColumns = `tbl, local_id, server_id, tenant_id, hive_id, payload,
       synced_at, accessed_at, pending_sync, deleted`

// PutRecord upserts a record keyed by (table, local_id).
// The write is visible to any concurrent reader immediately.
func (s *Store) PutRecord(ctx context.Context, rec *record.LocalRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	return s.putRecordTx(ctx, s.conn, rec)
}

// execer covers both *sql.DB and *sql.Tx so record writes can take part in
// the enqueue transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) putRecordTx(ctx context.Context, ex execer, rec *record.LocalRecord) error {
	query := `
	INSERT INTO records (
		tbl, local_id, server_id, tenant_id, hive_id, payload,
		synced_at, accessed_at, pending_sync, deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, local_id) DO UPDATE SET
		server_id = excluded.server_id,
		tenant_id = excluded.tenant_id,
		hive_id = excluded.hive_id,
		payload = excluded.payload,
		synced_at = excluded.synced_at,
		accessed_at = excluded.accessed_at,
		pending_sync = excluded.pending_sync,
		deleted = excluded.deleted
	`

	accessed := rec.AccessedAt
	if accessed.IsZero() {
		accessed = time.Now()
	}

	_, err := ex.ExecContext(ctx, query,
		rec.Table,
		rec.LocalID,
		nullableString(rec.ServerID),
		nullableString(rec.TenantID),
		nullableString(rec.HiveID),
		string(rec.Payload),
		timeToNullString(rec.SyncedAt),
		timeToString(accessed),
		boolToInt(rec.PendingSync),
		boolToInt(rec.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Table, rec.LocalID, err)
	}

	return nil
}

// GetRecord retrieves a single record by local ID.
// Returns ErrNotFound if the record doesn't exist.
func (s *Store) GetRecord(ctx context.Context, table, localID string) (*record.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE tbl = ? AND local_id = ?`

	rec, err := scanRecord(s.conn.QueryRowContext(ctx, query, table, localID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", table, localID, err)
	}
	return rec, nil
}

// GetRecordByServerID retrieves a record by its server-assigned identifier.
// Returns ErrNotFound if no synced record carries that id.
func (s *Store) GetRecordByServerID(ctx context.Context, table, serverID string) (*record.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE tbl = ? AND server_id = ?`

	rec, err := scanRecord(s.conn.QueryRowContext(ctx, query, table, serverID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s by server id %s: %w", table, serverID, err)
	}
	return rec, nil
}

// ListRecords retrieves all records in a table matching the filter,
// ordered by local_id for stable output.
func (s *Store) ListRecords(ctx context.Context, table string, filter Filter) ([]*record.LocalRecord, error) {
	conditions := []string{"tbl = ?"}
	args := []any{table}

	if filter.HiveID != "" {
		conditions = append(conditions, "hive_id = ?")
		args = append(args, filter.HiveID)
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if filter.PendingOnly {
		conditions = append(conditions, "pending_sync = 1")
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY local_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []*record.LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}

// RemoveRecord deletes a record row outright.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) RemoveRecord(ctx context.Context, table, localID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE tbl = ? AND local_id = ?`, table, localID)
	if err != nil {
		return fmt.Errorf("failed to remove record %s/%s: %w", table, localID, err)
	}
	return nil
}

// TouchRecords updates accessed_at for every record in a table.
// Read-path bookkeeping for the eviction heuristic; failures here are not
// correctness problems.
func (s *Store) TouchRecords(ctx context.Context, table string, now time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET accessed_at = ? WHERE tbl = ?`,
		timeToString(now), table)
	if err != nil {
		return fmt.Errorf("failed to touch records: %w", err)
	}
	return nil
}

// MarkSynced binds the server id and confirmation time to a record and
// clears its pending flag.
func (s *Store) MarkSynced(ctx context.Context, table, localID, serverID string, syncedAt time.Time) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records SET server_id = ?, synced_at = ?, pending_sync = 0
		WHERE tbl = ? AND local_id = ?`,
		nullableString(serverID), timeToString(syncedAt),
		table, localID)
	if err != nil {
		return fmt.Errorf("failed to mark record %s/%s synced: %w", table, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPending flips the pending_sync flag on a record.
func (s *Store) SetPending(ctx context.Context, table, localID string, pending bool) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET pending_sync = ? WHERE tbl = ? AND local_id = ?`,
		boolToInt(pending), table, localID)
	if err != nil {
		return fmt.Errorf("failed to set pending flag on %s/%s: %w", table, localID, err)
	}
	return nil
}

// LastSyncedAt returns the most recent server confirmation in a table, or
// nil if the table was never synced. The staleness policy keys off this.
func (s *Store) LastSyncedAt(ctx context.Context, table string) (*time.Time, error) {
	var ns sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT MAX(synced_at) FROM records WHERE tbl = ?`, table).Scan(&ns)
	if err != nil {
		return nil, fmt.Errorf("failed to get last synced time: %w", err)
	}
	return nullStringToTime(ns), nil
}

// EvictStale removes synced, non-pending records not read since the cutoff.
// Pending records are never evicted: they may be the only copy of an edit.
// Returns the number of rows evicted.
func (s *Store) EvictStale(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM records
		WHERE tbl = ? AND pending_sync = 0 AND synced_at IS NOT NULL
		  AND accessed_at < ?`,
		table, timeToString(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to evict stale records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.LocalRecord, error) {
	var rec record.LocalRecord
	var serverID, tenantID, hiveID, payload, syncedAt sql.NullString
	var accessedAt string
	var pending, deleted int

	err := row.Scan(
		&rec.Table,
		&rec.LocalID,
		&serverID,
		&tenantID,
		&hiveID,
		&payload,
		&syncedAt,
		&accessedAt,
		&pending,
		&deleted,
	)
	if err != nil {
		return nil, err
	}

	rec.ServerID = serverID.String
	rec.TenantID = tenantID.String
	rec.HiveID = hiveID.String
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.SyncedAt = nullStringToTime(syncedAt)
	if t, err := time.Parse(time.RFC3339Nano, accessedAt); err == nil {
		rec.AccessedAt = t
	}
	rec.PendingSync = pending != 0
	rec.Deleted = deleted != 0

	return &rec, nil
}
