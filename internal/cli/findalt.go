package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var findAltPlayer int64

var findAltCmd = &cobra.Command{
	Use:   "find-alt",
	Short: "Suggest a linked account based on shared receive history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if findAltPlayer == 0 {
			return fmt.Errorf("--player is required")
		}
		return getApp().FindAlt(cmd.Context(), findAltPlayer)
	},
}

func init() {
	findAltCmd.Flags().Int64Var(&findAltPlayer, "player", 0, "Player id to correlate")
}
