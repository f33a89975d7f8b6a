package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/remote"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// recordGroup is the outstanding queue for one record, in enqueue order.
type recordGroup struct {
	table   string
	localID string
	items   []*record.SyncQueueItem
}

// groupKey uniquely identifies a record across tables.
func groupKey(table, localID string) string {
	return table + "/" + localID
}

// Sync runs one complete drain attempt of the sync queue.
//
// At most one pass runs at a time; a second call while one is in flight
// returns ErrSyncInProgress. A missing or expired credential aborts the
// pass before any item is submitted and raises the auth flag.
//
// Within one record the queue is applied strictly in enqueue order; a
// failure or conflict on an item stops that record's group so an update is
// never applied before its prerequisite create, while unrelated records
// keep syncing.
func (e *Engine) Sync(ctx context.Context) (*record.SyncResult, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
		e.notify(ctx)
	}()
	e.notify(ctx)

	// Credential guard: surface the auth condition instead of silently
	// no-oping or burning a round trip per item.
	if _, err := e.creds.Token(); err != nil {
		e.setAuthError(true)
		return nil, &remote.AuthError{Err: err}
	}
	e.setAuthError(false)

	items, err := e.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}

	groups := groupByRecord(items)
	result := &record.SyncResult{Conflicts: []record.Conflict{}}
	passConflicts := make(map[string]record.Conflict)

	e.logger.Info().
		Int("items", len(items)).
		Int("records", len(groups)).
		Msg("Sync pass started")

	for _, group := range groups {
		if err := e.syncGroup(ctx, group, result, passConflicts); err != nil {
			var ae *remote.AuthError
			if errors.As(err, &ae) {
				// Auth died mid-pass: stop submitting, keep what synced.
				e.setAuthError(true)
				result.Success = false
				e.finishPass(result, passConflicts)
				return result, nil
			}
			return nil, err
		}
	}

	result.Success = result.Failed == 0 && len(passConflicts) == 0
	e.finishPass(result, passConflicts)

	e.logger.Info().
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("conflicts", len(result.Conflicts)).
		Msg("Sync pass complete")

	return result, nil
}

// finishPass publishes the pass outcome: the open-conflict set is replaced
// by this pass's detections (resolved ones are gone, unresolved ones were
// re-detected) and the sync timestamp moves.
func (e *Engine) finishPass(result *record.SyncResult, passConflicts map[string]record.Conflict) {
	now := e.now()

	e.mu.Lock()
	e.conflicts = passConflicts
	e.lastSyncAt = &now
	e.mu.Unlock()

	for _, c := range passConflicts {
		result.Conflicts = append(result.Conflicts, c)
	}
}

// groupByRecord buckets drain-ordered items per record, preserving the
// order of each group's earliest item. Independent records could sync in
// any order; this keeps the deterministic one.
func groupByRecord(items []*record.SyncQueueItem) []*recordGroup {
	byKey := make(map[string]*recordGroup)
	var order []*recordGroup

	for _, item := range items {
		key := groupKey(item.Table, item.LocalID)
		g, ok := byKey[key]
		if !ok {
			g = &recordGroup{table: item.Table, localID: item.LocalID}
			byKey[key] = g
			order = append(order, g)
		}
		g.items = append(g.items, item)
	}

	return order
}

// syncGroup drains one record's queue items in order. Returns an error only
// for storage failures and auth failures; per-item remote failures are
// recorded on the item and stop the group.
func (e *Engine) syncGroup(ctx context.Context, group *recordGroup, result *record.SyncResult, passConflicts map[string]record.Conflict) error {
	for _, item := range group.items {
		// Failed items wait for an operator-triggered retry; everything
		// queued behind them waits too, to preserve per-record order.
		if item.Status == record.StatusFailed {
			return nil
		}

		outcome, err := e.submitItem(ctx, item)
		if err != nil {
			var ce *remote.ConflictError
			switch {
			case errors.As(err, &ce):
				conflict, cerr := e.buildConflict(ctx, item, ce)
				if cerr != nil {
					return cerr
				}
				passConflicts[groupKey(item.Table, item.LocalID)] = conflict
				e.logger.Warn().
					Str("table", item.Table).
					Str("local_id", item.LocalID).
					Msg("Version conflict, resolution deferred to caller")
				return nil

			case remote.IsAuthError(err):
				return err

			default:
				if merr := e.store.MarkQueueItemFailed(ctx, item.ID, err.Error()); merr != nil {
					return merr
				}
				result.Failed++
				e.logger.Warn().Err(err).
					Str("table", item.Table).
					Str("local_id", item.LocalID).
					Int64("queue_id", item.ID).
					Msg("Queue item failed")
				return nil
			}
		}

		if err := e.confirmItem(ctx, item, outcome); err != nil {
			return err
		}
		result.Synced++
	}

	return nil
}

// submitItem sends one mutation to the server.
func (e *Engine) submitItem(ctx context.Context, item *record.SyncQueueItem) (*remote.ServerRecord, error) {
	switch item.Action {
	case record.ActionCreate:
		return e.client.Create(ctx, item.Table, item.Payload)

	case record.ActionUpdate:
		rec, err := e.store.GetRecord(ctx, item.Table, item.LocalID)
		if err != nil {
			return nil, fmt.Errorf("record for queued update missing: %w", err)
		}
		if rec.ServerID == "" {
			// The prerequisite create has not landed; treat as transient so
			// the group halts here rather than corrupting order.
			return nil, fmt.Errorf("record %s/%s has no server id yet", item.Table, item.LocalID)
		}
		return e.client.Update(ctx, item.Table, rec.ServerID, item.Payload, false)

	case record.ActionDelete:
		rec, err := e.store.GetRecord(ctx, item.Table, item.LocalID)
		if err != nil {
			return nil, fmt.Errorf("record for queued delete missing: %w", err)
		}
		if rec.ServerID == "" {
			// Created and deleted entirely offline: nothing to tell the
			// server. Confirmed locally below.
			return nil, nil
		}
		return nil, e.client.Delete(ctx, item.Table, rec.ServerID, false)

	default:
		return nil, fmt.Errorf("invalid queued action %q", item.Action)
	}
}

// confirmItem applies a successful submission: the queue entry goes away
// and the record reflects server truth.
func (e *Engine) confirmItem(ctx context.Context, item *record.SyncQueueItem, outcome *remote.ServerRecord) error {
	if err := e.store.RemoveQueueItem(ctx, item.ID); err != nil {
		return err
	}

	if item.Action == record.ActionDelete {
		return e.store.RemoveRecord(ctx, item.Table, item.LocalID)
	}

	rec, err := e.store.GetRecord(ctx, item.Table, item.LocalID)
	if err != nil {
		return err
	}

	now := e.now()
	if outcome != nil {
		rec.ServerID = outcome.ID
		rec.Payload = outcome.Data
	}
	rec.SyncedAt = &now
	rec.AccessedAt = now

	// The record stays pending while later mutations for it remain queued.
	remaining, err := e.store.ListQueueForRecord(ctx, item.Table, item.LocalID)
	if err != nil {
		return err
	}
	rec.PendingSync = len(remaining) > 0

	return e.store.PutRecord(ctx, rec)
}

// buildConflict assembles the Conflict handed to the caller: the local
// version comes from the record's optimistic state, the server version from
// the 409 body (refetched when the body carried none).
func (e *Engine) buildConflict(ctx context.Context, item *record.SyncQueueItem, ce *remote.ConflictError) (record.Conflict, error) {
	conflict := record.Conflict{
		LocalID:    item.LocalID,
		RecordType: item.Table,
		ServerData: ce.ServerData,
	}

	rec, err := e.store.GetRecord(ctx, item.Table, item.LocalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return conflict, err
	}
	if rec != nil {
		conflict.LocalData = rec.Payload
	}
	if conflict.LocalData == nil {
		conflict.LocalData = item.Payload
	}

	if len(conflict.ServerData) == 0 && rec != nil && rec.ServerID != "" {
		// 409 body without the server copy: fetch it so the caller can
		// actually compare versions.
		if serverRecs, lerr := e.client.List(ctx, item.Table); lerr == nil {
			for _, sr := range serverRecs {
				if sr.ID == rec.ServerID {
					conflict.ServerData = sr.Data
					break
				}
			}
		}
	}

	return conflict, nil
}

func (e *Engine) setAuthError(v bool) {
	e.mu.Lock()
	e.hasAuthError = v
	e.mu.Unlock()
}

// HasAuthError reports whether the last pass was blocked on credentials.
func (e *Engine) HasAuthError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasAuthError
}
