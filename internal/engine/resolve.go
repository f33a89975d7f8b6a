package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// serverKeys pulls the identifying fields out of a server representation.
func serverKeys(data json.RawMessage) (id, tenantID, hiveID string) {
	var keys struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
		HiveID   string `json:"hive_id"`
	}
	_ = json.Unmarshal(data, &keys)
	return keys.ID, keys.TenantID, keys.HiveID
}

// ErrNoSuchConflict is returned when no open conflict exists for the record.
var ErrNoSuchConflict = errors.New("no open conflict for record")

// ResolveConflict settles one open conflict.
//
// "local" re-submits the local version with override semantics and clears
// the record's queue entries on success. "server" discards the queued
// mutations and adopts the server copy locally.
//
// If the remote call fails the conflict stays open and an error is
// returned; resolution is safely retryable.
func (e *Engine) ResolveConflict(ctx context.Context, localID string, choice record.Resolution) error {
	if !choice.Valid() {
		return fmt.Errorf("invalid resolution %q", choice)
	}

	e.mu.Lock()
	conflict, ok := e.conflicts[e.conflictKey(localID)]
	e.mu.Unlock()
	if !ok {
		return ErrNoSuchConflict
	}

	var err error
	switch choice {
	case record.ResolveLocal:
		err = e.resolveLocalWins(ctx, conflict)
	case record.ResolveServer:
		err = e.resolveServerWins(ctx, conflict)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conflicts, e.conflictKey(localID))
	e.mu.Unlock()

	e.logger.Info().
		Str("table", conflict.RecordType).
		Str("local_id", localID).
		Str("choice", string(choice)).
		Msg("Conflict resolved")

	e.notify(ctx)
	return nil
}

// conflictKey finds the map key for a local id. Conflicts are keyed by
// table+local_id internally, but local ids are unique across tables, so a
// linear match on the suffix is enough.
func (e *Engine) conflictKey(localID string) string {
	for key, c := range e.conflicts {
		if c.LocalID == localID {
			return key
		}
	}
	return localID
}

// resolveLocalWins force-submits the record's current local state.
func (e *Engine) resolveLocalWins(ctx context.Context, conflict record.Conflict) error {
	table := conflict.RecordType

	rec, err := e.store.GetRecord(ctx, table, conflict.LocalID)
	if err != nil {
		return fmt.Errorf("conflicted record missing locally: %w", err)
	}
	if rec.ServerID == "" {
		// A rejected create: the server already holds a version of this
		// record, so bind its id and overwrite it.
		serverID, _, _ := serverKeys(conflict.ServerData)
		if serverID == "" {
			return fmt.Errorf("conflicted record %s/%s has no server id", table, conflict.LocalID)
		}
		rec.ServerID = serverID
	}

	now := e.now()

	if rec.Deleted {
		if err := e.client.Delete(ctx, table, rec.ServerID, true); err != nil {
			return err
		}
		if _, err := e.store.RemoveQueueForRecord(ctx, table, conflict.LocalID); err != nil {
			return err
		}
		return e.store.RemoveRecord(ctx, table, conflict.LocalID)
	}

	outcome, err := e.client.Update(ctx, table, rec.ServerID, rec.Payload, true)
	if err != nil {
		return err
	}

	if _, err := e.store.RemoveQueueForRecord(ctx, table, conflict.LocalID); err != nil {
		return err
	}

	rec.Payload = outcome.Data
	rec.ServerID = outcome.ID
	rec.SyncedAt = &now
	rec.AccessedAt = now
	rec.PendingSync = false
	return e.store.PutRecord(ctx, rec)
}

// resolveServerWins drops the queued mutations and adopts the server copy.
// No network call is needed, only local writes.
func (e *Engine) resolveServerWins(ctx context.Context, conflict record.Conflict) error {
	table := conflict.RecordType

	if _, err := e.store.RemoveQueueForRecord(ctx, table, conflict.LocalID); err != nil {
		return err
	}

	if len(conflict.ServerData) == 0 {
		// Server side no longer has the record; adopting server truth
		// means dropping it locally too.
		return e.store.RemoveRecord(ctx, table, conflict.LocalID)
	}

	rec, err := e.store.GetRecord(ctx, table, conflict.LocalID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &record.LocalRecord{Table: table, LocalID: conflict.LocalID}
	} else if err != nil {
		return err
	}

	serverID, tenantID, hiveID := serverKeys(conflict.ServerData)
	now := e.now()

	rec.Payload = conflict.ServerData
	if serverID != "" {
		rec.ServerID = serverID
	}
	if tenantID != "" {
		rec.TenantID = tenantID
	}
	if hiveID != "" {
		rec.HiveID = hiveID
	}
	rec.SyncedAt = &now
	rec.AccessedAt = now
	rec.PendingSync = false
	rec.Deleted = false

	return e.store.PutRecord(ctx, rec)
}

// RetryAllFailedItems flips every failed queue item back to pending and
// starts a pass if none is running. Returns the number of items reset.
// Retry is operator-triggered only; the engine never re-submits failed
// items on a timer.
func (e *Engine) RetryAllFailedItems(ctx context.Context) (int64, error) {
	n, err := e.store.ResetFailedItems(ctx)
	if err != nil {
		return 0, err
	}

	e.logger.Info().Int64("reset", n).Msg("Failed items reset to pending")
	e.notify(ctx)

	if n > 0 {
		if _, err := e.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			return n, err
		}
	}

	return n, nil
}
