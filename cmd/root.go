package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/internal/config"
)

var (
	version string
	cfg     config.Config
	verbose bool
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "hubdeck",
	Short: "Settings synchronization for home dashboard devices",
	Long: `hubdeck - Keep dashboard settings in step across the devices of a home hub.

Each device owns its settings document and revision history on the server.
Devices push local edits after a short debounce, poll for newer server
state, and never silently overwrite unsynced local changes.

Configuration comes from HUBDECK_* environment variables; see the serve
and sync commands for per-run overrides.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	cfg = config.FromEnv()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create data directory %s: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}
}

// signalContext is the lifetime of a command: cancelled on SIGINT or
// SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
