package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/engine"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List and manage known devices",
	RunE:  runDevicesList,
}

var devicesRenameCmd = &cobra.Command{
	Use:   "rename <device> <label>",
	Short: "Set a human-readable label for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		if err := eng.RenameDevice(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("renamed %s to %q\n", args[0], args[1])
		return nil
	},
}

var devicesRmCmd = &cobra.Command{
	Use:   "rm <device>",
	Short: "Remove a device's settings and history from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		if err := eng.RemoveDevice(ctx, args[0]); err != nil {
			if errors.Is(err, engine.ErrOwnDevice) {
				return fmt.Errorf("refusing to remove this device; remove it from another device instead")
			}
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesRenameCmd)
	devicesCmd.AddCommand(devicesRmCmd)
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	state, err := config.LoadClientState(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load device state: %w", err)
	}
	client := engine.NewClient(cfg.ServerURL, cfg.Account, cfg.Token)

	ctx, stop := signalContext()
	defer stop()

	devices, err := client.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices registered yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tLABEL\tREVISION\tUPDATED")
	for _, d := range devices {
		name := d.DeviceID
		if d.DeviceID == state.DeviceID {
			name += " (this device)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, d.DeviceLabel, d.Revision, d.UpdatedAt)
	}
	return w.Flush()
}
