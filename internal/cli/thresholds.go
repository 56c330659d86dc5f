package cli

import (
	"github.com/spf13/cobra"
)

var (
	thresholdsSymbol string
	thresholdsFrom   string
	thresholdsTo     string
)

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Inspect or align per-symbol thresholds",
}

var thresholdsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print notification and highlight thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowThresholds(cmd.Context(), thresholdsSymbol)
	},
}

var thresholdsCopyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Copy one threshold set onto the other",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CopyThresholds(cmd.Context(), thresholdsSymbol, thresholdsFrom, thresholdsTo)
	},
}

func init() {
	thresholdsCmd.PersistentFlags().StringVar(&thresholdsSymbol, "symbol", "", "Ticker (defaults to feed.symbol)")
	thresholdsCopyCmd.Flags().StringVar(&thresholdsFrom, "from", "highlight", "Source kind (notification or highlight)")
	thresholdsCopyCmd.Flags().StringVar(&thresholdsTo, "to", "notification", "Destination kind (notification or highlight)")

	thresholdsCmd.AddCommand(thresholdsShowCmd)
	thresholdsCmd.AddCommand(thresholdsCopyCmd)
}
