package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flip-sentinel/internal/app"
)

var (
	showLimit  int
	showFinder string
	showWindow int
	showIDs    bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently ingested flips",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showIDs && showFinder == "" {
			return fmt.Errorf("--ids requires --finder")
		}

		opts := app.ShowOptions{
			Limit:         showLimit,
			Finder:        showFinder,
			WindowMinutes: showWindow,
			IDsOnly:       showIDs,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of flips to display")
	showCmd.Flags().StringVar(&showFinder, "finder", "", "Filter by finder type (e.g. SNIPER, FLIPPER, TFM)")
	showCmd.Flags().IntVar(&showWindow, "window", 0, "Lookback window in minutes for --finder (defaults to one week)")
	showCmd.Flags().BoolVar(&showIDs, "ids", false, "Print auction ids only, one per line (requires --finder)")
}
