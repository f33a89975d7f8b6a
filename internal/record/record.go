// Package record provides the data structures shared by the offline cache,
// the sync queue, and the sync engine.
//
// Every cached entity is held as a LocalRecord: the client-generated local ID
// is the stable merge key, the server ID is bound the first time a create is
// confirmed, and the raw payload carries the entity's domain fields opaquely.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of mutation captured in a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of create, update, delete.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// QueueStatus is the state of a sync queue item.
//
// Items that succeed are removed from the queue outright, so there is no
// "synced" status.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusFailed  QueueStatus = "failed"
)

// LocalRecord is the client-cached copy of one server entity.
type LocalRecord struct {
	// Table is the entity collection this record belongs to (e.g. "tasks").
	Table string `json:"table"`

	// LocalID is the client-generated identifier, always present and stable
	// for the lifetime of the record regardless of sync state.
	LocalID string `json:"local_id"`

	// ServerID is the server-assigned identifier. Empty for records created
	// offline that have not yet been confirmed.
	ServerID string `json:"id,omitempty"`

	// TenantID and HiveID are scoping keys copied verbatim from the owning
	// entity so filtered reads work without parsing the payload.
	TenantID string `json:"tenant_id,omitempty"`
	HiveID   string `json:"hive_id,omitempty"`

	// Payload holds the entity's domain fields (title, priority, queen_seen,
	// ...) exactly as the server representation would carry them.
	Payload json.RawMessage `json:"payload"`

	// SyncedAt is the last successful confirmation from the server.
	// Nil if the record was never synced.
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	// AccessedAt is the last local read. Used by staleness and eviction
	// heuristics only, never for correctness.
	AccessedAt time.Time `json:"accessed_at"`

	// PendingSync is true while a queue entry referencing this record is
	// outstanding.
	PendingSync bool `json:"pending_sync"`

	// Deleted marks a tombstone: the user deleted the record offline and the
	// delete has not yet been confirmed by the server.
	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks the record's required fields.
func (r *LocalRecord) Validate() error {
	if r.Table == "" {
		return fmt.Errorf("table is required")
	}
	if !KnownTable(r.Table) {
		return fmt.Errorf("unknown table %q", r.Table)
	}
	if r.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if len(r.Payload) == 0 && !r.Deleted {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// Synced reports whether the record has ever been confirmed by the server.
func (r *LocalRecord) Synced() bool {
	return r.SyncedAt != nil
}

// SyncQueueItem is one durable, not-yet-confirmed mutation.
type SyncQueueItem struct {
	// ID is the queue sequence number assigned by the store. It totals-orders
	// the queue and breaks created_at ties.
	ID int64 `json:"id"`

	Table  string `json:"table"`
	Action Action `json:"action"`

	// LocalID correlates server responses back to the LocalRecord.
	LocalID string `json:"local_id"`

	// Payload is the serialized mutation body sent to the server.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the insertion timestamp; it defines FIFO ordering within
	// a table.
	CreatedAt time.Time `json:"created_at"`

	Status     QueueStatus `json:"status"`
	RetryCount int         `json:"retry_count,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// Validate checks the queue item's required fields.
func (q *SyncQueueItem) Validate() error {
	if q.Table == "" {
		return fmt.Errorf("table is required")
	}
	if !KnownTable(q.Table) {
		return fmt.Errorf("unknown table %q", q.Table)
	}
	if !q.Action.Valid() {
		return fmt.Errorf("invalid action %q", q.Action)
	}
	if q.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if q.Action != ActionDelete && len(q.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", q.Action)
	}
	return nil
}

// Conflict holds both versions of a record the server rejected for concurrent
// modification. It stays open until a resolution choice is applied.
type Conflict struct {
	LocalID    string          `json:"local_id"`
	RecordType string          `json:"record_type"`
	LocalData  json.RawMessage `json:"local_data"`
	ServerData json.RawMessage `json:"server_data"`
}

// Resolution is the caller's choice for settling a conflict.
type Resolution string

const (
	// ResolveLocal re-submits the local version with override semantics.
	ResolveLocal Resolution = "local"
	// ResolveServer discards the queued mutation and adopts the server copy.
	ResolveServer Resolution = "server"
)

// Valid reports whether the resolution is "local" or "server".
func (r Resolution) Valid() bool {
	return r == ResolveLocal || r == ResolveServer
}

// SyncResult summarizes one complete drain attempt of the sync queue.
type SyncResult struct {
	Success   bool       `json:"success"`
	Synced    int        `json:"synced"`
	Failed    int        `json:"failed"`
	Conflicts []Conflict `json:"conflicts"`
}

// NewLocalID generates a client-side record identifier.
//
// Local IDs are plain UUIDs; the server never sees or assigns them.
func NewLocalID() string {
	return uuid.NewString()
}
