package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ThatCatDev/tanrenai/pocket/internal/models"
)

var modelsCmd = &cobra.Command{
	Use:     "models",
	Aliases: []string{"list"},
	Short:   "List catalog models",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		list := a.catalog.List()
		if len(list) == 0 {
			fmt.Println("No models.")
			return nil
		}
		last, _ := a.manager.LastUsedModel(cmd.Context())

		fmt.Printf("%-36s %-12s %10s  %s\n", "ID", "ORIGIN", "SIZE", "STATUS")
		fmt.Println("──────────────────────────────────────────────────────────────────────")
		for _, m := range list {
			status := modelStatus(m)
			if m.ID == last {
				status += " (last used)"
			}
			fmt.Printf("%-36s %-12s %10s  %s\n", m.ID, m.Origin, humanize.Bytes(uint64(m.Size)), status)
		}
		return nil
	},
}

func modelStatus(m models.Model) string {
	switch {
	case m.IsDownloaded:
		return "ready"
	case m.Progress > 0:
		return fmt.Sprintf("partial %.0f%%", m.Progress)
	default:
		return "-"
	}
}

var addCmd = &cobra.Command{
	Use:   "add <path.gguf>",
	Short: "Register a local GGUF file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		m, err := a.catalog.AddLocal(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Added %s\n", m.ID)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <model-id>",
	Short: "Delete a downloaded model, or unregister a local one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		a.downloads.Cancel(args[0])
		if err := a.catalog.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(rmCmd)
}
