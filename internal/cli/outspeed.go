package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	outspeedAuction int64
	outspeedPlayer  int64
)

var outspeedCmd = &cobra.Command{
	Use:   "outspeed",
	Short: "Report who claimed an auction first and by how much",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outspeedAuction == 0 {
			return fmt.Errorf("--auction is required")
		}
		if outspeedPlayer == 0 {
			return fmt.Errorf("--player is required")
		}
		return getApp().Outspeed(cmd.Context(), outspeedAuction, outspeedPlayer)
	},
}

func init() {
	outspeedCmd.Flags().Int64Var(&outspeedAuction, "auction", 0, "Auction id to inspect")
	outspeedCmd.Flags().Int64Var(&outspeedPlayer, "player", 0, "Player id to compare against the claimant")
}
