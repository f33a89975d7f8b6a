// apisync is the client-side sync daemon for the apis beekeeping platform.
//
// It maintains a local SQLite cache of hive data, queues mutations made
// while offline, and drains them to the apis server when connectivity
// returns.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jermoo/apis/apis-client/internal/config"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "apisync",
	Short: "Offline-first sync client for the apis server",
	Long: `apisync keeps a local cache of hive data and a queue of offline
mutations, and reconciles both with the apis server.

The cache is a local SQLite database (.apis/cache.db). Mutations made
while offline are queued there and drained in order once the server is
reachable again.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: .apis/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(readCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration or exits with a message.
func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds the process logger. Daemon mode logs JSON to stderr;
// one-shot commands get console output.
func newLogger(console bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	if console {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
