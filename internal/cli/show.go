package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flow-alerts/internal/app"
)

var (
	showLimit  int
	showSymbol string
	showAlerts bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent summaries or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Symbol: showSymbol,
			Limit:  showLimit,
			Alerts: showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Ticker to display (defaults to feed.symbol)")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "List dispatched alerts instead of summaries")
}
