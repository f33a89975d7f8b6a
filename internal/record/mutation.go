package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MutationFile is the spool intake format: one offline mutation dropped as a
// JSON file by the field application, picked up by the spool watcher and fed
// into the sync queue.
type MutationFile struct {
	Table   string          `json:"table"`
	Action  Action          `json:"action"`
	LocalID string          `json:"local_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// CapturedAt is when the field app recorded the mutation. The queue
	// stamps its own time on intake; capture order is carried by the
	// timestamped filename, which intake processes in name order.
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks the mutation file's required fields.
//
// LocalID may be empty for creates; the engine assigns one on intake.
func (m *MutationFile) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("table is required")
	}
	if !KnownTable(m.Table) {
		return fmt.Errorf("unknown table %q", m.Table)
	}
	if !m.Action.Valid() {
		return fmt.Errorf("invalid action %q", m.Action)
	}
	if m.Action != ActionCreate && m.LocalID == "" {
		return fmt.Errorf("local_id is required for %s", m.Action)
	}
	if m.Action != ActionDelete && len(m.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", m.Action)
	}
	return nil
}

// ReadMutationFile reads and parses a spool JSON file.
func ReadMutationFile(path string) (*MutationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m MutationFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}

	return &m, nil
}

// WriteMutationFile writes a mutation to the spool directory as pretty JSON.
// The filename embeds the capture timestamp so directory order matches
// capture order.
func WriteMutationFile(spoolDir string, m *MutationFile) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid mutation: %w", err)
	}

	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mutation: %w", err)
	}

	ts := m.CapturedAt.UTC()
	name := fmt.Sprintf("%s%09d-%s-%s.json",
		ts.Format("20060102T150405"), ts.Nanosecond(), m.Table, string(m.Action))

	path := filepath.Join(spoolDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write mutation file %s: %w", path, err)
	}

	return path, nil
}

// ReadAllMutationFiles reads every *.json file in the spool directory in
// name order. Invalid files are skipped with a warning to stderr.
func ReadAllMutationFiles(spoolDir string) ([]*MutationFile, []string, error) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil // Empty spool is valid
		}
		return nil, nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var muts []*MutationFile
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(spoolDir, entry.Name())
		m, err := ReadMutationFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid mutation file %s: %v\n", entry.Name(), err)
			continue
		}

		muts = append(muts, m)
		paths = append(paths, path)
	}

	return muts, paths, nil
}
