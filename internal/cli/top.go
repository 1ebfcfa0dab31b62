package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	topDay   string
	topLimit int64
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Display the fastest reaction times for a day",
	RunE: func(cmd *cobra.Command, args []string) error {
		if topLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		day := time.Now().UTC()
		if topDay != "" {
			parsed, err := time.Parse("2006-01-02", topDay)
			if err != nil {
				return fmt.Errorf("invalid --day value: %w", err)
			}
			day = parsed
		}

		return getApp().Top(cmd.Context(), day, topLimit)
	},
}

func init() {
	topCmd.Flags().StringVar(&topDay, "day", "", "UTC day to display (YYYY-MM-DD, defaults to today)")
	topCmd.Flags().Int64Var(&topLimit, "limit", 10, "Number of entries to display")
}
