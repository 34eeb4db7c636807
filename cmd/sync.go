package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/engine"
)

// buildEngine assembles the sync engine for this device from the
// persisted identity and the file-backed snapshot.
func buildEngine() (*engine.Engine, error) {
	state, err := config.LoadClientState(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load device state: %w", err)
	}
	client := engine.NewClient(cfg.ServerURL, cfg.Account, cfg.Token)
	snap := engine.NewFileSnapshotter(cfg.DataDir)
	return engine.New(cfg, state, client, snap, slog.Default()), nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize local dashboard settings with the server",
	Long: `Push the local dashboard settings to the server.

Without flags this is a one-shot push: the server's revision is adopted
as the write base and the local document wins. Use --pull to instead
replace the local document with the server's current state, or --watch
to keep running, debouncing local edits and polling for remote changes.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Bool("watch", false, "Keep running: debounce local edits and poll for remote changes")
	syncCmd.Flags().Bool("pull", false, "Replace local settings with the server's current state")
}

func runSync(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		info := eng.Info()
		fmt.Fprintf(os.Stderr, "hubdeck sync watching as %s (%s)\n", deviceName(info), cfg.ServerURL)
		return eng.Run(ctx)
	}

	if pull, _ := cmd.Flags().GetBool("pull"); pull {
		if err := eng.Pull(ctx); err != nil {
			return err
		}
		info := eng.Info()
		fmt.Printf("pulled revision %d into local settings\n", info.Revision)
		return nil
	}

	if err := eng.AdoptBaseline(ctx); err != nil {
		return err
	}
	if err := eng.SyncNow(ctx); err != nil {
		return err
	}

	info := eng.Info()
	if info.Status == engine.StatusConflict {
		fmt.Printf("conflict: server moved to revision %d; run sync again to retry\n", info.Revision)
		return nil
	}
	fmt.Printf("synced %s at revision %d\n", deviceName(info), info.Revision)
	return nil
}

var autosyncCmd = &cobra.Command{
	Use:   "autosync <on|off>",
	Short: "Enable or disable automatic debounced pushes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		switch args[0] {
		case "on":
			err = eng.SetAutoSync(true)
		case "off":
			err = eng.SetAutoSync(false)
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("autosync %s\n", args[0])
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish [target-device]",
	Short: "Push this device's settings to other devices",
	Long: `Push the local settings to the server, then copy them to the target
device, or to every other known device when no target is given. Each
receiving device records the copy as a new revision in its own history,
so the publish can be undone per device.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		if err := eng.AdoptBaseline(ctx); err != nil {
			return err
		}

		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		affected, err := eng.Publish(ctx, target)
		if err != nil {
			return err
		}
		fmt.Printf("published to %d device(s)\n", affected)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(autosyncCmd)
	rootCmd.AddCommand(publishCmd)
}

func deviceName(info engine.Info) string {
	if info.DeviceLabel != "" {
		return info.DeviceLabel
	}
	return info.DeviceID
}
