package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerURL == "" {
		t.Error("ServerURL default missing")
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %v, want 1m", cfg.SyncInterval)
	}
	if cfg.DashboardPort != 0 {
		t.Errorf("DashboardPort = %d, want disabled by default", cfg.DashboardPort)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server_url: https://apis.example.com/api/v1
database_path: /var/lib/apis/cache.db
cache_ttl: 2m
sync_interval: 30s
spool_dir: /var/spool/apis
dashboard_port: 9215
table_ttls:
  detections: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerURL != "https://apis.example.com/api/v1" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v, want 2m", cfg.CacheTTL)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.DashboardPort != 9215 {
		t.Errorf("DashboardPort = %d, want 9215", cfg.DashboardPort)
	}
	if cfg.TableTTLs["detections"] != 30*time.Second {
		t.Errorf("TableTTLs[detections] = %v, want 30s", cfg.TableTTLs["detections"])
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicitly named missing config should error")
	}
}

func TestLoadRejectsEmptyServerURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server_url: \"\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("empty server_url should be rejected")
	}
}
