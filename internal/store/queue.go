package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jermoo/apis/apis-client/internal/record"
)

// Enqueue captures one offline mutation: the optimistic record state and the
// durable queue entry are written in a single transaction. If either half
// fails, neither is committed. The queue item id is assigned by SQLite and
// returned on the item.
func (s *Store) Enqueue(ctx context.Context, item *record.SyncQueueItem, rec *record.LocalRecord) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if item.Table != rec.Table || item.LocalID != rec.LocalID {
		return fmt.Errorf("queue item %s/%s does not match record %s/%s",
			item.Table, item.LocalID, rec.Table, rec.LocalID)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.putRecordTx(ctx, tx, rec); err != nil {
		return err
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.Status == "" {
		item.Status = record.StatusPending
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (tbl, action, local_id, payload, created_at, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
		item.Table,
		string(item.Action),
		item.LocalID,
		string(item.Payload),
		timeToString(item.CreatedAt),
		string(item.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to append queue item for %s/%s: %w", item.Table, item.LocalID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue item id: %w", err)
	}
	item.ID = id

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return nil
}

const queueColumns = `id, tbl, action, local_id, payload, created_at, status, retry_count, last_error`

// ListQueue returns all pending and failed queue items in created_at order,
// with the autoincrement id breaking ties. This is the drain order for a
// sync pass.
func (s *Store) ListQueue(ctx context.Context) ([]*record.SyncQueueItem, error) {
	return s.listQueueWhere(ctx, "", nil)
}

// ListQueueByStatus returns queue items with the given status in drain order.
func (s *Store) ListQueueByStatus(ctx context.Context, status record.QueueStatus) ([]*record.SyncQueueItem, error) {
	return s.listQueueWhere(ctx, "WHERE status = ?", []any{string(status)})
}

// ListQueueForRecord returns the outstanding items for one record in drain
// order. An update queued behind an unconfirmed create appears after it.
func (s *Store) ListQueueForRecord(ctx context.Context, table, localID string) ([]*record.SyncQueueItem, error) {
	return s.listQueueWhere(ctx, "WHERE tbl = ? AND local_id = ?", []any{table, localID})
}

func (s *Store) listQueueWhere(ctx context.Context, where string, args []any) ([]*record.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue ` + where +
		` ORDER BY created_at ASC, id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []*record.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}

	return items, nil
}

// RemoveQueueItem deletes a queue item after its mutation was confirmed.
// Returns nil if the item doesn't exist (idempotent).
func (s *Store) RemoveQueueItem(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue item %d: %w", id, err)
	}
	return nil
}

// RemoveQueueForRecord deletes every outstanding item for one record.
// Used when a conflict is resolved and the queued mutations are settled
// wholesale. Returns the number of items removed.
func (s *Store) RemoveQueueForRecord(ctx context.Context, table, localID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE tbl = ? AND local_id = ?`, table, localID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove queue items for %s/%s: %w", table, localID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkQueueItemFailed records a transient failure: status flips to failed,
// the retry counter increments, and the error text is kept for diagnostics.
func (s *Store) MarkQueueItemFailed(ctx context.Context, id int64, lastError string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'failed', retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`,
		lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFailedItems flips every failed item back to pending so the next pass
// attempts them again. Returns the number of items reset.
func (s *Store) ResetFailedItems(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', last_error = NULL WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueCounts returns the number of pending and failed items.
func (s *Store) QueueCounts(ctx context.Context) (pending, failed int, err error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch record.QueueStatus(status) {
		case record.StatusPending:
			pending = count
		case record.StatusFailed:
			failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating queue counts: %w", err)
	}

	return pending, failed, nil
}

// PendingGroup is the per-table outstanding work summary shown to the UI.
type PendingGroup struct {
	Table string `json:"table"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// PendingGroups returns outstanding item counts per table, in registry order.
// Tables with no outstanding work are omitted.
func (s *Store) PendingGroups(ctx context.Context) ([]PendingGroup, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT tbl, COUNT(*) FROM sync_queue GROUP BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending groups: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tbl string
		var count int
		if err := rows.Scan(&tbl, &count); err != nil {
			return nil, fmt.Errorf("failed to scan pending group: %w", err)
		}
		counts[tbl] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending groups: %w", err)
	}

	var groups []PendingGroup
	for _, t := range record.Tables() {
		if c, ok := counts[t.Name]; ok && c > 0 {
			groups = append(groups, PendingGroup{Table: t.Name, Label: t.Label, Count: c})
		}
	}
	return groups, nil
}

func scanQueueItem(rows *sql.Rows) (*record.SyncQueueItem, error) {
	var item record.SyncQueueItem
	var action, status, createdAt string
	var payload, lastError sql.NullString

	err := rows.Scan(
		&item.ID,
		&item.Table,
		&action,
		&item.LocalID,
		&payload,
		&createdAt,
		&status,
		&item.RetryCount,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	item.Action = record.Action(action)
	item.Status = record.QueueStatus(status)
	if payload.Valid && payload.String != "" {
		item.Payload = json.RawMessage(payload.String)
	}
	item.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}

	return &item, nil
}
