package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/engine"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the current state of the local cache and mutation queue:
pending and failed mutation counts, open conflicts, and the time of the
last completed sync pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := newLogger(true)

		// A running daemon has state a fresh process can't see (open
		// conflicts, sync-in-progress), so prefer its status endpoint.
		status, ok := daemonStatus(cfg.DashboardPort)
		if !ok {
			st := openStore(cfg)
			defer st.Close()

			eng := buildEngine(cfg, st, nil, logger)

			s, err := eng.Status(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
				os.Exit(1)
			}
			status = s
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
			return
		}

		fmt.Printf("Cache:     %s\n", cfg.DatabasePath)
		fmt.Printf("Server:    %s\n", cfg.ServerURL)
		fmt.Printf("Pending:   %d\n", status.Pending)
		fmt.Printf("Failed:    %d\n", status.Failed)
		fmt.Printf("Conflicts: %d\n", len(status.Conflicts))

		if status.LastSyncAt != nil {
			fmt.Printf("Last sync: %s (%v ago)\n",
				status.LastSyncAt.Format(time.RFC3339),
				time.Since(*status.LastSyncAt).Round(time.Second))
		} else {
			fmt.Printf("Last sync: never\n")
		}

		if status.HasAuthError {
			fmt.Printf("\nNot signed in: sync is paused until credentials are refreshed.\n")
		}

		if len(status.PendingGroups) > 0 {
			fmt.Printf("\nPending by type:\n")
			for _, g := range status.PendingGroups {
				fmt.Printf("   %-12s %d\n", g.Label, g.Count)
			}
		}

		for _, c := range status.Conflicts {
			fmt.Printf("\nConflict on %s %s:\n", c.RecordType, c.LocalID)
			fmt.Printf("   resolve with: apisync resolve %s --keep local|server\n", c.LocalID)
		}
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
}

// daemonStatus asks a running daemon for its live status. Returns false if
// no daemon is reachable.
func daemonStatus(port int) (engine.Status, bool) {
	if port <= 0 {
		return engine.Status{}, false
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/status", port))
	if err != nil {
		return engine.Status{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engine.Status{}, false
	}

	var envelope struct {
		Data engine.Status `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return engine.Status{}, false
	}
	return envelope.Data, true
}
