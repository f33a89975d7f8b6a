package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/jermoo/apis/apis-client/internal/config"
	"github.com/jermoo/apis/apis-client/internal/creds"
	"github.com/jermoo/apis/apis-client/internal/engine"
	"github.com/jermoo/apis/apis-client/internal/remote"
	"github.com/jermoo/apis/apis-client/internal/staleness"
	"github.com/jermoo/apis/apis-client/internal/store"
)

// openStore opens the cache database and ensures its schema, creating the
// parent directory if needed.
func openStore(cfg *config.Config) *store.Store {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating cache directory: %v\n", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache database: %v\n", err)
		os.Exit(1)
	}

	if err := st.InitSchema(); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}

	return st
}

// buildEngine wires the store, remote client, credentials, and optional
// connectivity signal into an engine.
func buildEngine(cfg *config.Config, st *store.Store, signal engine.Signal, logger zerolog.Logger) *engine.Engine {
	provider := creds.NewFileProvider(cfg.TokenPath)
	client := remote.New(cfg.ServerURL, provider, nil, logger)

	policy := staleness.Policy{TTL: cfg.CacheTTL, PerTable: cfg.TableTTLs}
	if policy.TTL <= 0 {
		policy.TTL = staleness.DefaultTTL
	}

	ecfg := engine.Config{
		Staleness:    policy,
		SyncInterval: cfg.SyncInterval,
		EvictAfter:   cfg.EvictAfter,
		Logger:       logger,
	}

	return engine.New(st, client, provider, signal, ecfg)
}

// newProbeSignal builds the connectivity probe used by daemon mode.
func newProbeSignal(cfg *config.Config, logger zerolog.Logger) *engine.ProbeSignal {
	provider := creds.NewFileProvider(cfg.TokenPath)
	client := remote.New(cfg.ServerURL, provider, nil, logger)
	return engine.NewProbeSignal(client.Ping, 30*time.Second)
}
