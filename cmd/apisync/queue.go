package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/record"
)

var queueFailedOnly bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued mutations",
	Long: `List the mutations waiting to be replayed to the server, oldest
first. Failed items show their retry count and last error.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st := openStore(cfg)
		defer st.Close()

		ctx := context.Background()

		var items []*record.SyncQueueItem
		var err error
		if queueFailedOnly {
			items, err = st.ListQueueByStatus(ctx, record.StatusFailed)
		} else {
			items, err = st.ListQueue(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}

		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tACTION\tLOCAL ID\tQUEUED\tSTATUS")
		for _, item := range items {
			status := string(item.Status)
			if item.Status == record.StatusFailed {
				status = fmt.Sprintf("failed (%d tries): %s", item.RetryCount, item.LastError)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				item.ID,
				record.TableLabel(item.Table),
				item.Action,
				item.LocalID,
				item.CreatedAt.Format(time.RFC3339),
				status)
		}
		w.Flush()
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueFailedOnly, "failed", false, "show only failed items")
}
