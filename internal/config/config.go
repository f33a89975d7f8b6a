// Package config loads apisync configuration from file, environment, and
// defaults via viper.
//
// Precedence: explicit --config flag > ./.apis/config.yaml (walking up from
// CWD) > ~/.config/apis/config.yaml. Every key is also bindable through the
// environment with an APIS_ prefix, e.g. APIS_SERVER_URL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved apisync configuration.
type Config struct {
	// ServerURL is the base URL of the authoritative apis server.
	ServerURL string `mapstructure:"server_url"`

	// DatabasePath is the local cache database location.
	DatabasePath string `mapstructure:"database_path"`

	// TokenPath is the bearer token file written by the host app's login.
	TokenPath string `mapstructure:"token_path"`

	// CacheTTL is how long a synced collection is trusted on read.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// TableTTLs overrides CacheTTL per table.
	TableTTLs map[string]time.Duration `mapstructure:"table_ttls"`

	// SyncInterval is the periodic trigger cadence while online.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// EvictAfter is how long an untouched synced record survives before the
	// eviction sweep removes it. Zero disables eviction.
	EvictAfter time.Duration `mapstructure:"evict_after"`

	// SpoolDir is the mutation intake directory watched by the daemon.
	// Empty disables the spool watcher.
	SpoolDir string `mapstructure:"spool_dir"`

	// DashboardPort is the status WebSocket port. Zero disables it.
	DashboardPort int `mapstructure:"dashboard_port"`
}

// defaults applied before any file or environment values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8080/api/v1")
	v.SetDefault("database_path", filepath.Join(".apis", "cache.db"))
	v.SetDefault("token_path", filepath.Join(".apis", "token"))
	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("sync_interval", time.Minute)
	v.SetDefault("evict_after", 30*24*time.Hour)
	v.SetDefault("spool_dir", "")
	v.SetDefault("dashboard_port", 0)
}

// Load resolves configuration. configFile, when non-empty, is used verbatim;
// otherwise the usual locations are searched. A missing config file is not
// an error - defaults and environment still apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("APIS")
	v.AutomaticEnv()

	switch {
	case configFile != "":
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}

	default:
		if path := findConfigFile(); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url must not be empty")
	}

	return &cfg, nil
}

// findConfigFile locates config.yaml without an explicit flag.
// Walks up from CWD looking for .apis/config.yaml so commands work from
// subdirectories, then falls back to the user config directory.
func findConfigFile() string {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			path := filepath.Join(dir, ".apis", "config.yaml")
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "apis", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
