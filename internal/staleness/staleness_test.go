package staleness

import (
	"testing"
	"time"
)

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ttl := 5 * time.Minute

	tests := []struct {
		name         string
		lastSyncedAt *time.Time
		want         bool
	}{
		{"never synced", nil, true},
		{"just synced", timePtr(now), false},
		{"within ttl", timePtr(now.Add(-4 * time.Minute)), false},
		{"exactly ttl", timePtr(now.Add(-5 * time.Minute)), true},
		{"past ttl", timePtr(now.Add(-time.Hour)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStale(tt.lastSyncedAt, now, ttl); got != tt.want {
				t.Errorf("IsStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicyTableTTL(t *testing.T) {
	p := Policy{
		TTL:      5 * time.Minute,
		PerTable: map[string]time.Duration{"detections": 30 * time.Second},
	}

	if got := p.TableTTL("detections"); got != 30*time.Second {
		t.Errorf("TableTTL(detections) = %v, want 30s", got)
	}
	if got := p.TableTTL("tasks"); got != 5*time.Minute {
		t.Errorf("TableTTL(tasks) = %v, want 5m", got)
	}
}

func TestPolicyIsStalePerTable(t *testing.T) {
	now := time.Now()
	p := Policy{
		TTL:      5 * time.Minute,
		PerTable: map[string]time.Duration{"detections": 30 * time.Second},
	}

	synced := now.Add(-time.Minute)
	if !p.IsStale("detections", &synced, now) {
		t.Error("detections synced 1m ago should be stale with a 30s ttl")
	}
	if p.IsStale("tasks", &synced, now) {
		t.Error("tasks synced 1m ago should be fresh with a 5m ttl")
	}
}

func TestNewPolicyDefault(t *testing.T) {
	p := NewPolicy()
	if p.TTL != DefaultTTL {
		t.Errorf("NewPolicy().TTL = %v, want %v", p.TTL, DefaultTTL)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
