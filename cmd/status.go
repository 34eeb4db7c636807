package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this device's identity and server state",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := config.LoadClientState(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load device state: %w", err)
		}

		fmt.Printf("device:    %s\n", state.DeviceID)
		if state.DeviceLabel != "" {
			fmt.Printf("label:     %s\n", state.DeviceLabel)
		}
		fmt.Printf("account:   %s\n", cfg.Account)
		fmt.Printf("server:    %s\n", cfg.ServerURL)
		fmt.Printf("autosync:  %v\n", state.AutoSync)

		client := engine.NewClient(cfg.ServerURL, cfg.Account, cfg.Token)
		ctx, stop := signalContext()
		defer stop()

		cur, err := client.GetCurrent(ctx, state.DeviceID, 0)
		if err != nil {
			fmt.Printf("server:    unreachable (%v)\n", err)
			return nil
		}
		if cur == nil {
			fmt.Println("revision:  not registered yet")
			return nil
		}
		fmt.Printf("revision:  %d (updated %s)\n", cur.Revision, cur.UpdatedAt)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
