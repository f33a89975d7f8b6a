package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// Enqueue captures one mutation. The local store is updated optimistically
// and the durable queue entry appended in the same transaction; the network
// is never touched here. Returns the record's local ID (generated for
// creates when the payload carries none).
//
// A storage failure aborts the whole operation: nothing half-written is
// ever queued for remote sync.
func (e *Engine) Enqueue(ctx context.Context, table string, action record.Action, payload json.RawMessage) (string, error) {
	if !record.KnownTable(table) {
		return "", fmt.Errorf("unknown table %q", table)
	}
	if !action.Valid() {
		return "", fmt.Errorf("invalid action %q", action)
	}

	localID, tenantID, hiveID := record.ScopeKeys(payload)

	rec, err := e.prepareRecord(ctx, table, action, localID)
	if err != nil {
		return "", err
	}
	if tenantID != "" {
		rec.TenantID = tenantID
	}
	if hiveID != "" {
		rec.HiveID = hiveID
	}

	// The queue payload always carries the local_id so the orchestrator can
	// correlate the server's response back to this record.
	queuePayload := payload
	if action != record.ActionDelete {
		queuePayload, err = record.EmbedLocalID(payload, rec.LocalID)
		if err != nil {
			return "", err
		}
		rec.Payload = queuePayload
	}

	item := &record.SyncQueueItem{
		Table:     table,
		Action:    action,
		LocalID:   rec.LocalID,
		Payload:   queuePayload,
		CreatedAt: e.now(),
		Status:    record.StatusPending,
	}

	if err := e.store.Enqueue(ctx, item, rec); err != nil {
		return "", err
	}

	e.logger.Debug().
		Str("table", table).
		Str("action", string(action)).
		Str("local_id", rec.LocalID).
		Int64("queue_id", item.ID).
		Msg("Mutation enqueued")

	e.notify(ctx)
	return rec.LocalID, nil
}

// prepareRecord builds the optimistic record state for a mutation.
func (e *Engine) prepareRecord(ctx context.Context, table string, action record.Action, localID string) (*record.LocalRecord, error) {
	now := e.now()

	switch action {
	case record.ActionCreate:
		if localID == "" {
			localID = record.NewLocalID()
		}
		return &record.LocalRecord{
			Table:       table,
			LocalID:     localID,
			AccessedAt:  now,
			PendingSync: true,
		}, nil

	case record.ActionUpdate:
		if localID == "" {
			return nil, fmt.Errorf("update requires a local_id in the payload")
		}
		existing, err := e.store.GetRecord(ctx, table, localID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("cannot update unknown record %s/%s", table, localID)
		}
		if err != nil {
			return nil, err
		}
		existing.PendingSync = true
		existing.AccessedAt = now
		return existing, nil

	case record.ActionDelete:
		if localID == "" {
			return nil, fmt.Errorf("delete requires a local_id in the payload")
		}
		existing, err := e.store.GetRecord(ctx, table, localID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("cannot delete unknown record %s/%s", table, localID)
		}
		if err != nil {
			return nil, err
		}
		// Tombstone until the server confirms; the read path hides it.
		existing.Deleted = true
		existing.PendingSync = true
		existing.AccessedAt = now
		return existing, nil

	default:
		return nil, fmt.Errorf("invalid action %q", action)
	}
}
