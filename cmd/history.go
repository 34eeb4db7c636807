package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/engine"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse and manage this device's revision history",
	RunE:  runHistoryList,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete saved revisions on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		all, _ := cmd.Flags().GetBool("all")
		deleted, err := eng.ClearHistory(ctx, !all)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d revision(s)\n", deleted)
		return nil
	},
}

var historyLoadCmd = &cobra.Command{
	Use:   "load <revision>",
	Short: "Load a historical revision into the local settings",
	Long: `Fetch one of this device's saved revisions and write it to the local
settings document. Nothing changes on the server until the loaded
document is pushed with sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		revision, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || revision < 1 {
			return fmt.Errorf("revision must be a positive integer, got %q", args[0])
		}

		eng, err := buildEngine()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		if err := eng.LoadRevision(ctx, revision); err != nil {
			return err
		}
		fmt.Printf("loaded revision %d into local settings (not pushed)\n", revision)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyLoadCmd)

	historyCmd.Flags().String("device", "", "List another device's history")
	historyCmd.Flags().Int("limit", 50, "Maximum revisions to list")
	historyClearCmd.Flags().Bool("all", false, "Delete every revision instead of keeping the newest")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	state, err := config.LoadClientState(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load device state: %w", err)
	}

	device, _ := cmd.Flags().GetString("device")
	if device == "" {
		device = state.DeviceID
	}
	limit, _ := cmd.Flags().GetInt("limit")

	client := engine.NewClient(cfg.ServerURL, cfg.Account, cfg.Token)
	ctx, stop := signalContext()
	defer stop()

	entries, err := client.ListHistory(ctx, device, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no saved revisions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REVISION\tSAVED")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\n", e.Revision, e.UpdatedAt)
	}
	return w.Flush()
}
