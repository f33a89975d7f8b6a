package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/engine"
	"github.com/jermoo/apis/apis-client/internal/record"
)

var resolveKeep string

var resolveCmd = &cobra.Command{
	Use:   "resolve <local-id>",
	Short: "Resolve a sync conflict",
	Long: `Settle a conflict detected during sync.

--keep local   replays the local change to the server, overwriting it
--keep server  discards the local change and adopts the server's version

Conflicts only exist inside a running sync process, so this command runs a
sync pass first to re-detect them, then applies the chosen resolution.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		choice := record.Resolution(resolveKeep)
		if !choice.Valid() {
			fmt.Fprintf(os.Stderr, "Error: --keep must be \"local\" or \"server\"\n")
			os.Exit(1)
		}

		cfg := loadConfig()
		logger := newLogger(true)

		st := openStore(cfg)
		defer st.Close()

		eng := buildEngine(cfg, st, nil, logger)
		ctx := context.Background()

		// Re-detect conflicts: they are held in memory, not in the cache.
		if _, err := eng.Sync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		localID := args[0]
		if err := eng.ResolveConflict(ctx, localID, choice); err != nil {
			if errors.Is(err, engine.ErrNoSuchConflict) {
				fmt.Fprintf(os.Stderr, "No open conflict for %s.\n", localID)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Error resolving conflict: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Conflict on %s resolved (%s wins).\n", localID, choice)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "which version to keep: local or server")
	resolveCmd.MarkFlagRequired("keep")
}
