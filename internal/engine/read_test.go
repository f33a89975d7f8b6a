package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// seedServer plants records server-side without going through the engine.
func seedServer(env *testEnv, table string, payloads ...json.RawMessage) []string {
	env.fake.mu.Lock()
	defer env.fake.mu.Unlock()

	if env.fake.tables[table] == nil {
		env.fake.tables[table] = make(map[string]json.RawMessage)
	}

	var ids []string
	for _, p := range payloads {
		env.fake.nextID++
		id := fmt.Sprintf("srv-%d", env.fake.nextID)
		env.fake.tables[table][id] = withID(p, id)
		ids = append(ids, id)
	}
	return ids
}

func TestReadOfflineServesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signal.Set(false)

	mustEnqueue(t, env, record.ActionCreate, taskPayload("offline note"))

	result, err := env.eng.Read(context.Background(), "tasks", store.Filter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !result.FromCache {
		t.Error("FromCache = false while offline")
	}
	if len(result.Records) != 1 {
		t.Errorf("got %d records, want the pending create", len(result.Records))
	}
	if env.fake.callCount() != 0 {
		t.Error("offline read hit the network")
	}
}

func TestReadUnknownTable(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.eng.Read(context.Background(), "queens", store.Filter{}); err == nil {
		t.Error("read of unknown table should fail")
	}
}

func TestReadStaleRefreshesInline(t *testing.T) {
	env := newTestEnv(t, nil)

	seedServer(env, "tasks", taskPayload("from server"))

	// Never synced: the cache is stale by definition.
	result, err := env.eng.Read(context.Background(), "tasks", store.Filter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result.FromCache {
		t.Error("FromCache = true, want a blocking refresh")
	}
	if result.RefreshErr != nil {
		t.Errorf("RefreshErr = %v, want nil", result.RefreshErr)
	}
	if len(result.Records) != 1 {
		t.Fatalf("got %d records, want 1 from the server", len(result.Records))
	}
	if result.Records[0].ServerID == "" || result.Records[0].LocalID == "" {
		t.Error("refreshed record missing an id")
	}
}

func TestReadStaleFallsBackToCacheOnRefreshError(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Cache content synced long ago.
	syncedAt := time.Now().Add(-time.Hour)
	rec := &record.LocalRecord{
		Table:      "tasks",
		LocalID:    record.NewLocalID(),
		ServerID:   "srv-old",
		Payload:    taskPayload("cached"),
		SyncedAt:   &syncedAt,
		AccessedAt: time.Now(),
	}
	if err := env.store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	env.fake.mu.Lock()
	env.fake.failN = 1
	env.fake.mu.Unlock()

	result, err := env.eng.Read(ctx, "tasks", store.Filter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !result.FromCache {
		t.Error("FromCache = false after a failed refresh")
	}
	if result.RefreshErr == nil {
		t.Error("RefreshErr = nil, want the refresh failure")
	}
	if len(result.Records) != 1 {
		t.Errorf("got %d records, want the cached one", len(result.Records))
	}
}

func TestReadFreshServesCacheAndRefreshesInBackground(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	mustEnqueue(t, env, record.ActionCreate, taskPayload("mine"))
	mustSync(t, env)

	before := env.fake.callsMatching("GET /tasks")

	result, err := env.eng.Read(ctx, "tasks", store.Filter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !result.FromCache {
		t.Error("FromCache = false on a fresh cache")
	}

	env.eng.wg.Wait()
	if env.fake.callsMatching("GET /tasks") != before+1 {
		t.Error("background refresh did not run")
	}
}

func TestRefreshMergesServerRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// One local pending record, one server-only record.
	pendingID := mustEnqueue(t, env, record.ActionCreate, taskPayload("unsynced local"))
	seedServer(env, "tasks", taskPayload("server only"))

	result, err := env.eng.Read(ctx, "tasks", store.Filter{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("got %d records, want merged pending + server", len(result.Records))
	}

	var sawPending bool
	for _, rec := range result.Records {
		if rec.LocalID == pendingID {
			sawPending = true
			if !rec.PendingSync {
				t.Error("pending record lost its pending flag")
			}
		}
	}
	if !sawPending {
		t.Error("pending local record missing from merged read")
	}
}

func TestRefreshNeverOverwritesPendingEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	localID := mustEnqueue(t, env, record.ActionCreate, taskPayload("v1"))
	mustSync(t, env)
	rec, _ := env.store.GetRecord(ctx, "tasks", localID)
	serverID := rec.ServerID

	// Local edit queued; server moves on independently.
	mustEnqueue(t, env, record.ActionUpdate, withLocalID(taskPayload("local v2"), localID))
	env.fake.mu.Lock()
	env.fake.tables["tasks"][serverID] = withID([]byte(`{"title":"server v3"}`), serverID)
	env.fake.mu.Unlock()

	if err := env.eng.refreshTable(ctx, "tasks"); err != nil {
		t.Fatalf("refreshTable failed: %v", err)
	}

	got, err := env.store.GetRecord(ctx, "tasks", localID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	var fields struct {
		Title string `json:"title"`
	}
	json.Unmarshal(got.Payload, &fields)
	if fields.Title != "local v2" {
		t.Errorf("title = %q, refresh overwrote a pending edit", fields.Title)
	}
}

func TestRefreshDropsRecordsDeletedOnServer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	localID := mustEnqueue(t, env, record.ActionCreate, taskPayload("doomed"))
	mustSync(t, env)
	rec, _ := env.store.GetRecord(ctx, "tasks", localID)

	env.fake.mu.Lock()
	delete(env.fake.tables["tasks"], rec.ServerID)
	env.fake.mu.Unlock()

	if err := env.eng.refreshTable(ctx, "tasks"); err != nil {
		t.Fatalf("refreshTable failed: %v", err)
	}

	if _, err := env.store.GetRecord(ctx, "tasks", localID); err == nil {
		t.Error("record survived its server-side deletion")
	}
}

func TestStatusSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	mustEnqueue(t, env, record.ActionCreate, taskPayload("a"))
	mustEnqueue(t, env, record.ActionCreate, taskPayload("b"))

	status, err := env.eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Pending != 2 || status.Failed != 0 {
		t.Errorf("counts = %d/%d, want 2 pending", status.Pending, status.Failed)
	}
	if !status.IsOnline {
		t.Error("IsOnline = false")
	}
	if status.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v before any pass", status.LastSyncAt)
	}
	if len(status.PendingGroups) != 1 || status.PendingGroups[0].Table != "tasks" {
		t.Errorf("PendingGroups = %+v", status.PendingGroups)
	}

	mustSync(t, env)

	status, err = env.eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Pending != 0 {
		t.Errorf("Pending = %d after sync, want 0", status.Pending)
	}
	if status.LastSyncAt == nil {
		t.Error("LastSyncAt = nil after a pass")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	env := newTestEnv(t, nil)

	updates, cancel := env.eng.Subscribe()
	defer cancel()

	mustEnqueue(t, env, record.ActionCreate, taskPayload("x"))

	select {
	case status := <-updates:
		if status.Pending != 1 {
			t.Errorf("Pending = %d, want 1", status.Pending)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status update after enqueue")
	}
}
