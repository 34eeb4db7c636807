package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/pkg/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal dashboard for sync state and devices",
	Long: `Open a full-screen dashboard showing this device's sync status, the
device fleet, and recent revisions. The sync engine runs in the
background while the dashboard is open, so local edits keep flowing to
the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		go func() {
			if err := eng.Run(ctx); err != nil {
				fmt.Println("sync engine stopped:", err)
			}
		}()

		p := tea.NewProgram(monitor.New(ctx, eng), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
