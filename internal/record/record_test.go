package record

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestActionValid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		if !a.Valid() {
			t.Errorf("%q should be valid", a)
		}
	}
	for _, a := range []Action{"", "upsert", "CREATE"} {
		if a.Valid() {
			t.Errorf("%q should be invalid", a)
		}
	}
}

func TestLocalRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     LocalRecord
		wantErr string
	}{
		{
			name: "valid",
			rec:  LocalRecord{Table: "tasks", LocalID: "l1", Payload: json.RawMessage(`{}`)},
		},
		{
			name:    "missing table",
			rec:     LocalRecord{LocalID: "l1", Payload: json.RawMessage(`{}`)},
			wantErr: "table is required",
		},
		{
			name:    "unknown table",
			rec:     LocalRecord{Table: "queens", LocalID: "l1", Payload: json.RawMessage(`{}`)},
			wantErr: "unknown table",
		},
		{
			name:    "missing local id",
			rec:     LocalRecord{Table: "tasks", Payload: json.RawMessage(`{}`)},
			wantErr: "local_id is required",
		},
		{
			name:    "missing payload",
			rec:     LocalRecord{Table: "tasks", LocalID: "l1"},
			wantErr: "payload is required",
		},
		{
			name: "tombstone needs no payload",
			rec:  LocalRecord{Table: "tasks", LocalID: "l1", Deleted: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSyncQueueItemValidate(t *testing.T) {
	valid := SyncQueueItem{
		Table:   "tasks",
		Action:  ActionCreate,
		LocalID: "l1",
		Payload: json.RawMessage(`{}`),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	del := SyncQueueItem{Table: "tasks", Action: ActionDelete, LocalID: "l1"}
	if err := del.Validate(); err != nil {
		t.Errorf("delete without payload: Validate() = %v, want nil", err)
	}

	noPayload := SyncQueueItem{Table: "tasks", Action: ActionUpdate, LocalID: "l1"}
	if err := noPayload.Validate(); err == nil {
		t.Error("update without payload should be invalid")
	}
}

func TestResolutionValid(t *testing.T) {
	if !ResolveLocal.Valid() || !ResolveServer.Valid() {
		t.Error("local and server resolutions should be valid")
	}
	if Resolution("merge").Valid() {
		t.Error("merge should be invalid")
	}
}

func TestScopeKeys(t *testing.T) {
	localID, tenantID, hiveID := ScopeKeys(json.RawMessage(
		`{"local_id":"l1","tenant_id":"t1","hive_id":"h1","title":"check brood"}`))
	if localID != "l1" || tenantID != "t1" || hiveID != "h1" {
		t.Errorf("ScopeKeys = (%q, %q, %q)", localID, tenantID, hiveID)
	}

	localID, tenantID, hiveID = ScopeKeys(nil)
	if localID != "" || tenantID != "" || hiveID != "" {
		t.Error("ScopeKeys(nil) should return empty strings")
	}

	localID, _, _ = ScopeKeys(json.RawMessage(`not json`))
	if localID != "" {
		t.Error("ScopeKeys on invalid JSON should return empty strings")
	}
}

func TestEmbedLocalID(t *testing.T) {
	out, err := EmbedLocalID(json.RawMessage(`{"title":"feed syrup"}`), "l1")
	if err != nil {
		t.Fatalf("EmbedLocalID failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if got["local_id"] != "l1" {
		t.Errorf("local_id = %v, want l1", got["local_id"])
	}
	if got["title"] != "feed syrup" {
		t.Errorf("title = %v, want preserved", got["title"])
	}

	// Overwrites an existing local_id.
	out, err = EmbedLocalID(json.RawMessage(`{"local_id":"stale"}`), "l2")
	if err != nil {
		t.Fatalf("EmbedLocalID failed: %v", err)
	}
	gotID, _, _ := ScopeKeys(out)
	if gotID != "l2" {
		t.Errorf("local_id = %q, want l2", gotID)
	}
}

func TestNewLocalIDUnique(t *testing.T) {
	a, b := NewLocalID(), NewLocalID()
	if a == "" || a == b {
		t.Errorf("NewLocalID() returned %q and %q", a, b)
	}
}

func TestKnownTable(t *testing.T) {
	for _, name := range TableNames() {
		if !KnownTable(name) {
			t.Errorf("KnownTable(%q) = false", name)
		}
	}
	if KnownTable("queens") {
		t.Error("KnownTable(queens) = true")
	}
	if TableLabel("tasks") != "Tasks" {
		t.Errorf("TableLabel(tasks) = %q", TableLabel("tasks"))
	}
	if TableLabel("queens") != "queens" {
		t.Errorf("TableLabel fallback = %q, want raw name", TableLabel("queens"))
	}
}

func TestMutationFileRoundtrip(t *testing.T) {
	dir := t.TempDir()

	m := &MutationFile{
		Table:      "inspections",
		Action:     ActionCreate,
		Payload:    json.RawMessage(`{"queen_seen":true}`),
		CapturedAt: time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC),
	}

	path, err := WriteMutationFile(dir, m)
	if err != nil {
		t.Fatalf("WriteMutationFile failed: %v", err)
	}

	got, err := ReadMutationFile(path)
	if err != nil {
		t.Fatalf("ReadMutationFile failed: %v", err)
	}
	if got.Table != "inspections" || got.Action != ActionCreate {
		t.Errorf("got %s/%s", got.Table, got.Action)
	}
	if !got.CapturedAt.Equal(m.CapturedAt) {
		t.Errorf("CapturedAt = %v, want %v", got.CapturedAt, m.CapturedAt)
	}
}

func TestMutationFileValidate(t *testing.T) {
	updateNoID := MutationFile{Table: "tasks", Action: ActionUpdate, Payload: json.RawMessage(`{}`)}
	if err := updateNoID.Validate(); err == nil {
		t.Error("update without local_id should be invalid")
	}

	createNoID := MutationFile{Table: "tasks", Action: ActionCreate, Payload: json.RawMessage(`{}`)}
	if err := createNoID.Validate(); err != nil {
		t.Errorf("create without local_id should be valid, got %v", err)
	}

	deleteNoPayload := MutationFile{Table: "tasks", Action: ActionDelete, LocalID: "l1"}
	if err := deleteNoPayload.Validate(); err != nil {
		t.Errorf("delete without payload should be valid, got %v", err)
	}
}

func TestReadAllMutationFilesSkipsInvalid(t *testing.T) {
	dir := t.TempDir()

	good := &MutationFile{
		Table:      "tasks",
		Action:     ActionCreate,
		Payload:    json.RawMessage(`{"title":"requeen"}`),
		CapturedAt: time.Now().UTC(),
	}
	if _, err := WriteMutationFile(dir, good); err != nil {
		t.Fatalf("WriteMutationFile failed: %v", err)
	}

	writeSpoolFile(t, dir, "bad.json", `{"table":"queens","action":"create"}`)
	writeSpoolFile(t, dir, "notes.txt", "not a mutation")

	muts, paths, err := ReadAllMutationFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllMutationFiles failed: %v", err)
	}
	if len(muts) != 1 || len(paths) != 1 {
		t.Fatalf("got %d mutations, want 1 (invalid and non-json files skipped)", len(muts))
	}
	if muts[0].Table != "tasks" {
		t.Errorf("Table = %q, want tasks", muts[0].Table)
	}
}

func writeSpoolFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

func TestReadAllMutationFilesMissingDir(t *testing.T) {
	muts, paths, err := ReadAllMutationFiles(t.TempDir() + "/missing")
	if err != nil {
		t.Fatalf("missing spool dir should not error: %v", err)
	}
	if len(muts) != 0 || len(paths) != 0 {
		t.Errorf("got %d mutations from missing dir, want 0", len(muts))
	}
}
