package engine

import (
	"context"
	"errors"

	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// ReadResult is the outcome of one read. A failed network refresh never
// aborts the read: the cached data comes back and RefreshErr carries what
// went wrong.
type ReadResult struct {
	Records []*record.LocalRecord
	// FromCache is true when no blocking network refresh happened.
	FromCache bool
	// RefreshErr is set when a refresh was attempted and failed.
	RefreshErr error
}

// Read returns the merged view of a collection: confirmed server records
// plus not-yet-synced local records, keyed by local_id with the local copy
// taking precedence.
//
// Offline, the cache is served regardless of age. Online with a fresh
// cache, the cached merge is returned and a non-blocking refresh is
// scheduled. Online with a stale cache, the refresh happens inline, falling
// back to the cache if the fetch fails.
func (e *Engine) Read(ctx context.Context, table string, filter store.Filter) (*ReadResult, error) {
	if !record.KnownTable(table) {
		return nil, errors.New("unknown table " + table)
	}

	if !e.signal.Online() {
		recs, err := e.store.ListRecords(ctx, table, filter)
		if err != nil {
			return nil, err
		}
		e.touch(ctx, table)
		return &ReadResult{Records: recs, FromCache: true}, nil
	}

	lastSynced, err := e.store.LastSyncedAt(ctx, table)
	if err != nil {
		return nil, err
	}

	if !e.cfg.Staleness.IsStale(table, lastSynced, e.now()) {
		// Fresh enough: serve the cache, refresh in the background to keep
		// it warm without blocking the caller.
		recs, err := e.store.ListRecords(ctx, table, filter)
		if err != nil {
			return nil, err
		}
		e.touch(ctx, table)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.refreshTable(context.WithoutCancel(ctx), table); err != nil {
				e.logger.Debug().Err(err).Str("table", table).Msg("Background refresh failed")
			}
		}()

		return &ReadResult{Records: recs, FromCache: true}, nil
	}

	refreshErr := e.refreshTable(ctx, table)

	recs, err := e.store.ListRecords(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	e.touch(ctx, table)

	return &ReadResult{
		Records:    recs,
		FromCache:  refreshErr != nil,
		RefreshErr: refreshErr,
	}, nil
}

// refreshTable fetches the authoritative set and reconciles it into the
// store. Records with an outstanding queue entry are never overwritten:
// a refresh must not momentarily erase a user's unsynced edit.
func (e *Engine) refreshTable(ctx context.Context, table string) error {
	serverRecs, err := e.client.List(ctx, table)
	if err != nil {
		return err
	}

	now := e.now()
	seen := make(map[string]bool, len(serverRecs))

	for _, sr := range serverRecs {
		if sr.ID == "" {
			continue
		}
		seen[sr.ID] = true

		existing, err := e.store.GetRecordByServerID(ctx, table, sr.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if existing != nil {
			if existing.PendingSync {
				continue // local unsynced edit wins until it syncs
			}
			existing.Payload = sr.Data
			existing.SyncedAt = &now
			existing.AccessedAt = now
			existing.Deleted = false
			if err := e.store.PutRecord(ctx, existing); err != nil {
				return err
			}
			continue
		}

		_, tenantID, hiveID := record.ScopeKeys(sr.Data)
		rec := &record.LocalRecord{
			Table:      table,
			LocalID:    record.NewLocalID(),
			ServerID:   sr.ID,
			TenantID:   tenantID,
			HiveID:     hiveID,
			Payload:    sr.Data,
			SyncedAt:   &now,
			AccessedAt: now,
		}
		if err := e.store.PutRecord(ctx, rec); err != nil {
			return err
		}
	}

	// The fetch was the full authoritative set: synced records the server
	// no longer returns were deleted remotely. Pending records are kept.
	cached, err := e.store.ListRecords(ctx, table, store.Filter{IncludeDeleted: true})
	if err != nil {
		return err
	}
	for _, rec := range cached {
		if rec.PendingSync || rec.ServerID == "" || seen[rec.ServerID] {
			continue
		}
		if err := e.store.RemoveRecord(ctx, table, rec.LocalID); err != nil {
			return err
		}
	}

	e.logger.Debug().
		Str("table", table).
		Int("server_records", len(serverRecs)).
		Msg("Collection refreshed")

	return nil
}

// touch records the read for the eviction heuristic. Not a correctness
// concern, so failures only log.
func (e *Engine) touch(ctx context.Context, table string) {
	if err := e.store.TouchRecords(ctx, table, e.now()); err != nil {
		e.logger.Debug().Err(err).Str("table", table).Msg("Failed to touch records")
	}
}
