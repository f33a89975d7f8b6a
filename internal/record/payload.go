package record

import (
	"encoding/json"
	"fmt"
)

// scopeKeys is the subset of payload fields the store indexes for filtered
// reads. Payloads stay opaque otherwise.
type scopeKeys struct {
	LocalID  string `json:"local_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	HiveID   string `json:"hive_id,omitempty"`
}

// ScopeKeys extracts the local_id, tenant_id, and hive_id fields from a
// payload, returning empty strings for whichever are absent.
func ScopeKeys(payload json.RawMessage) (localID, tenantID, hiveID string) {
	if len(payload) == 0 {
		return "", "", ""
	}
	var keys scopeKeys
	if err := json.Unmarshal(payload, &keys); err != nil {
		return "", "", ""
	}
	return keys.LocalID, keys.TenantID, keys.HiveID
}

// EmbedLocalID returns the payload with its local_id field set, so the
// orchestrator can correlate server responses back to the LocalRecord.
func EmbedLocalID(payload json.RawMessage, localID string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("failed to parse payload: %w", err)
		}
	}

	idJSON, err := json.Marshal(localID)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal local_id: %w", err)
	}
	fields["local_id"] = idJSON

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild payload: %w", err)
	}
	return out, nil
}
