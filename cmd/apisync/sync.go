package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/engine"
	"github.com/jermoo/apis/apis-client/internal/remote"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the server",
	Long: `Drain the offline mutation queue once.

Queued mutations are replayed to the server in the order they were made,
one record at a time. Conflicts and failures are reported; failed items
stay queued for "apisync retry".`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := newLogger(true)

		st := openStore(cfg)
		defer st.Close()

		eng := buildEngine(cfg, st, nil, logger)

		fmt.Printf("Syncing with %s...\n", cfg.ServerURL)
		start := time.Now()

		result, err := eng.Sync(context.Background())
		if err != nil {
			if remote.IsAuthError(err) {
				fmt.Fprintf(os.Stderr, "Error: not signed in (token missing or expired)\n")
				os.Exit(1)
			}
			if errors.Is(err, engine.ErrSyncInProgress) {
				fmt.Fprintf(os.Stderr, "Error: a sync pass is already running\n")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("Sync finished in %v\n", elapsed.Round(time.Millisecond))
		fmt.Printf("   Synced:    %d\n", result.Synced)
		fmt.Printf("   Failed:    %d\n", result.Failed)
		fmt.Printf("   Conflicts: %d\n", len(result.Conflicts))

		for _, c := range result.Conflicts {
			fmt.Printf("   conflict: %s %s (resolve with \"apisync resolve %s --keep local|server\")\n",
				c.RecordType, c.LocalID, c.LocalID)
		}

		if !result.Success {
			os.Exit(1)
		}
	},
}
