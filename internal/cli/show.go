package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptotracker/internal/app"
)

var (
	showLimit int

	compareStart string
	compareEnd   string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		a := getApp()
		a.Out = cmd.OutOrStdout()
		return a.Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <currency_id>",
	Short: "Compare the latest price with the average over a date range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		a.Out = cmd.OutOrStdout()
		return a.Compare(cmd.Context(), app.CompareOptions{
			CurrencyID: args[0],
			StartDate:  compareStart,
			EndDate:    compareEnd,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 10, "Number of observations to display")

	compareCmd.Flags().StringVar(&compareStart, "start", "", "Start date (YYYY-MM-DD, inclusive)")
	compareCmd.Flags().StringVar(&compareEnd, "end", "", "End date (YYYY-MM-DD, inclusive)")
}
