package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flip-sentinel/internal/app"
)

var (
	exportPlayer    int64
	exportWindow    int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a player's reaction-time history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportPlayer == 0 {
			return fmt.Errorf("--player is required")
		}

		opts := app.ExportOptions{
			PlayerID:      exportPlayer,
			WindowMinutes: exportWindow,
			PNGPath:       exportPNGPath,
			CSVPath:       exportCSVPath,
			MaxPoints:     exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportPlayer, "player", 0, "Player id to export")
	exportCmd.Flags().IntVar(&exportWindow, "window", 0, "Lookback window in minutes (defaults to one week)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
