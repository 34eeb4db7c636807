package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/internal/api"
	"github.com/colegrim/hubdeck/internal/logx"
	"github.com/colegrim/hubdeck/internal/store"
	"github.com/colegrim/hubdeck/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the settings API server",
	Long: `Start the HTTP API server that stores per-device settings documents.

The server keeps one SQLite database under the data directory and exposes
JSON endpoints for reading and writing current settings, browsing revision
history, managing the device registry, and publishing one device's settings
to others. It supports optional bearer token authentication and CORS for
browser-based dashboards.

At-rest encryption is controlled by HUBDECK_ENCRYPTION_MODE (off, dual, or
enc_only) together with HUBDECK_ENCRYPTION_KEY.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("addr", "a", "", "Address to listen on (overrides HUBDECK_LISTEN_ADDR)")
	serveCmd.Flags().String("token", "", "Bearer token for authentication (optional)")
	serveCmd.Flags().String("cors", "", "Allowed CORS origin (optional, e.g. http://localhost:3000)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// The server logs JSON; interactive commands keep the text handler.
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.Token = token
	}
	if cors, _ := cmd.Flags().GetString("cors"); cors != "" {
		cfg.CORSOrigin = cors
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	// Limit connections for the long-running server process
	st.SetMaxOpenConns(1)

	srv := api.NewServer(cfg, st, vault.New(cfg, logx.NewWarner(nil)))

	ctx, stop := signalContext()
	defer stop()

	fmt.Fprintf(os.Stderr, "hubdeck serve listening on http://%s\n", cfg.ListenAddr)
	fmt.Fprintf(os.Stderr, "  data dir:    %s\n", cfg.DataDir)
	fmt.Fprintf(os.Stderr, "  database:    %s\n", filepath.Join(cfg.DataDir, "settings.db"))
	fmt.Fprintf(os.Stderr, "  encryption:  %s\n", cfg.EncryptionMode)
	if cfg.Token != "" {
		fmt.Fprintf(os.Stderr, "  auth:        bearer token\n")
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	fmt.Fprintf(os.Stderr, "hubdeck serve stopped\n")
	return nil
}
