package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flip-sentinel/internal/app"
)

var (
	checkPlayers   []int64
	checkWindow    int
	checkReference string
	checkAlert     bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a one-shot speed check for one or more player ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(checkPlayers) == 0 {
			return fmt.Errorf("--player is required at least once")
		}

		opts := app.CheckOptions{
			PlayerIDs:     checkPlayers,
			WindowMinutes: checkWindow,
			Alert:         checkAlert,
		}

		if checkReference != "" {
			ref, err := time.Parse(time.RFC3339, checkReference)
			if err != nil {
				return fmt.Errorf("invalid --reference value: %w", err)
			}
			opts.Reference = &ref
		}

		return getApp().Check(cmd.Context(), opts)
	},
}

func init() {
	checkCmd.Flags().Int64SliceVar(&checkPlayers, "player", nil, "Player id to check (repeatable; multiple ids are scored together)")
	checkCmd.Flags().IntVar(&checkWindow, "window", 0, "Primary window in minutes (defaults to config)")
	checkCmd.Flags().StringVar(&checkReference, "reference", "", "Reference timestamp (RFC3339, defaults to now)")
	checkCmd.Flags().BoolVar(&checkAlert, "alert", false, "Send an alert when the penalty crosses the configured threshold")
}
