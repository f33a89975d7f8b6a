package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/remote"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry all failed mutations",
	Long: `Reset every failed queue item back to pending and run a sync pass.

Failed items block later mutations of the same record until retried, so
this is the way to unstick a record after a transient server error.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := newLogger(true)

		st := openStore(cfg)
		defer st.Close()

		eng := buildEngine(cfg, st, nil, logger)

		n, err := eng.RetryAllFailedItems(context.Background())
		if err != nil {
			if remote.IsAuthError(err) {
				fmt.Fprintf(os.Stderr, "Error: not signed in (token missing or expired)\n")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Error retrying: %v\n", err)
			os.Exit(1)
		}

		if n == 0 {
			fmt.Println("No failed items to retry.")
			return
		}
		fmt.Printf("Requeued %d failed item(s) and ran a sync pass.\n", n)
	},
}
