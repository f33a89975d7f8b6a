// Package engine implements the offline-first sync engine for the apis
// field client.
//
// The engine owns the offline read path, the sync queue writer, the
// background sync orchestrator, and the conflict resolver. There is one
// engine per process; every consumer reads the same observable status
// rather than holding independent state.
//
// Control flow: a mutation goes through Enqueue (always), which updates the
// local store optimistically and appends a durable queue entry in the same
// transaction. When the device is online and a pass is triggered, the
// orchestrator drains the queue against the server in per-record FIFO
// order. Success removes the queue entry; a version conflict is handed to
// the caller as data; any other failure marks the item failed for
// operator-triggered retry.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jermoo/apis/apis-client/internal/creds"
	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/remote"
	"github.com/jermoo/apis/apis-client/internal/staleness"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// ErrSyncInProgress is returned when a pass is requested while one is
// already running. At most one pass runs at a time.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config holds engine tuning knobs.
type Config struct {
	// Staleness is the read-path TTL policy.
	Staleness staleness.Policy

	// SyncInterval is the periodic trigger cadence while online.
	SyncInterval time.Duration

	// EvictAfter is how long an untouched synced record survives before the
	// eviction sweep removes it. Zero disables eviction.
	EvictAfter time.Duration

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time

	// Logger for engine activity.
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Staleness:    staleness.NewPolicy(),
		SyncInterval: time.Minute,
		Now:          time.Now,
		Logger:       zerolog.Nop(),
	}
}

// Engine is the process-wide sync engine.
type Engine struct {
	store  *store.Store
	client *remote.Client
	creds  creds.Provider
	signal Signal
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	syncing      bool
	hasAuthError bool
	lastSyncAt   *time.Time
	conflicts    map[string]record.Conflict // keyed by local_id

	subsMu sync.Mutex
	subs   map[int]chan Status
	nextID int

	wg sync.WaitGroup
}

// New creates the engine. The store must be open with its schema
// initialized. Signal may be nil, in which case the engine assumes it is
// always online (useful for one-shot CLI passes).
func New(st *store.Store, client *remote.Client, provider creds.Provider, signal Signal, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if signal == nil {
		signal = alwaysOnline{}
	}

	return &Engine{
		store:     st,
		client:    client,
		creds:     provider,
		signal:    signal,
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       cfg.Now,
		conflicts: make(map[string]record.Conflict),
		subs:      make(map[int]chan Status),
	}
}

// Status is the engine's observable state, consumed by the UI layer.
type Status struct {
	Pending       int                  `json:"pending"`
	Failed        int                  `json:"failed"`
	PendingGroups []store.PendingGroup `json:"pending_groups,omitempty"`
	Conflicts     []record.Conflict    `json:"conflicts,omitempty"`
	IsSyncing     bool                 `json:"is_syncing"`
	HasAuthError  bool                 `json:"has_auth_error"`
	IsOnline      bool                 `json:"is_online"`
	LastSyncAt    *time.Time           `json:"last_sync_at,omitempty"`
}

// Status returns a snapshot of the engine's observable state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, failed, err := e.store.QueueCounts(ctx)
	if err != nil {
		return Status{}, err
	}
	groups, err := e.store.PendingGroups(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Pending:       pending,
		Failed:        failed,
		PendingGroups: groups,
		Conflicts:     e.conflictList(),
		IsSyncing:     e.syncing,
		HasAuthError:  e.hasAuthError,
		IsOnline:      e.signal.Online(),
		LastSyncAt:    e.lastSyncAt,
	}, nil
}

// conflictList returns the open conflicts in a stable order.
// Caller must hold e.mu.
func (e *Engine) conflictList() []record.Conflict {
	if len(e.conflicts) == 0 {
		return nil
	}
	out := make([]record.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	return out
}

// Conflicts returns the currently open conflicts.
func (e *Engine) Conflicts() []record.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflictList()
}

// Subscribe registers a status listener. The returned channel receives a
// snapshot after every engine state change; slow listeners miss updates
// rather than blocking the engine. Call the returned cancel func to
// unsubscribe.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	id := e.nextID
	e.nextID++
	ch := make(chan Status, 8)
	e.subs[id] = ch

	cancel := func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// notify pushes a fresh status snapshot to every subscriber.
func (e *Engine) notify(ctx context.Context) {
	status, err := e.Status(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to build status snapshot")
		return
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- status:
		default:
			// Drop rather than block; the next change carries fresh state.
		}
	}
}
