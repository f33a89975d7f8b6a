package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/dashboard"
	"github.com/jermoo/apis/apis-client/internal/spool"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run apisync as a long-lived daemon.

The daemon:
  1. Probes server connectivity and tracks online/offline transitions
  2. Drains the mutation queue on reconnect and on a periodic timer
  3. Watches the spool directory for mutation files from the field app
  4. Serves live status over WebSocket for the UI (if dashboard_port is set)
  5. Evicts long-untouched cached records`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger := newLogger(false)

		st := openStore(cfg)
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		probe := newProbeSignal(cfg, logger)
		eng := buildEngine(cfg, st, probe, logger)

		go probe.Run(ctx)

		if cfg.SpoolDir != "" {
			sw, err := spool.NewWatcher(eng, spool.Config{Dir: cfg.SpoolDir}, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating spool watcher: %v\n", err)
				os.Exit(1)
			}
			if err := sw.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting spool watcher: %v\n", err)
				os.Exit(1)
			}
			defer sw.Stop()
			logger.Info().Str("dir", cfg.SpoolDir).Msg("Watching spool directory")
		}

		if cfg.DashboardPort > 0 {
			srv := dashboard.NewServer(cfg.DashboardPort, logger)
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting status server: %v\n", err)
				os.Exit(1)
			}
			defer srv.Stop()

			updates, unsubscribe := eng.Subscribe()
			defer unsubscribe()
			go srv.Watch(ctx, updates)

			if status, err := eng.Status(ctx); err == nil {
				srv.PublishStatus(status)
			}
		}

		logger.Info().Str("server", cfg.ServerURL).Msg("apisync daemon starting")

		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}

		logger.Info().Msg("apisync daemon stopped")
	},
}
