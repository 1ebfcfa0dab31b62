package cli

import (
	"github.com/spf13/cobra"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Bridge the upstream websocket firehose onto the broker topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Feed(cmd.Context())
	},
}
