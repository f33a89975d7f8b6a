package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/engine"
	"github.com/jermoo/apis/apis-client/internal/record"
	"github.com/jermoo/apis/apis-client/internal/store"
)

var (
	readHiveID  string
	readOffline bool
)

var readCmd = &cobra.Command{
	Use:   "read <type>",
	Short: "Read cached records",
	Long: `Read records of one type through the offline-first read path.

Types: ` + strings.Join(record.TableNames(), ", ") + `

When the server is reachable and the cached copy is stale, it is refreshed
first; otherwise the cache is served as-is, including mutations not yet
synced. Use --offline to skip the server entirely.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		table := args[0]
		if !record.KnownTable(table) {
			fmt.Fprintf(os.Stderr, "Error: unknown type %q (expected one of: %s)\n",
				table, strings.Join(record.TableNames(), ", "))
			os.Exit(1)
		}

		cfg := loadConfig()
		logger := newLogger(true)

		st := openStore(cfg)
		defer st.Close()

		var signal engine.Signal
		if readOffline {
			signal = engine.NewManualSignal(false)
		}
		eng := buildEngine(cfg, st, signal, logger)

		result, err := eng.Read(context.Background(), table, store.Filter{HiveID: readHiveID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", table, err)
			os.Exit(1)
		}

		if result.RefreshErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: refresh failed, serving cache: %v\n", result.RefreshErr)
		}

		payloads := make([]json.RawMessage, 0, len(result.Records))
		for _, rec := range result.Records {
			payloads = append(payloads, rec.Payload)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payloads); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
			os.Exit(1)
		}

		if result.FromCache {
			fmt.Fprintf(os.Stderr, "%d record(s) from cache\n", len(result.Records))
		} else {
			fmt.Fprintf(os.Stderr, "%d record(s), refreshed from server\n", len(result.Records))
		}
	},
}

func init() {
	readCmd.Flags().StringVar(&readHiveID, "hive", "", "filter by hive id")
	readCmd.Flags().BoolVar(&readOffline, "offline", false, "serve the cache without contacting the server")
}
