package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cryptotracker/internal/app"
)

var (
	backfillCurrencies []string
	backfillFrom       string
	backfillTo         string
	backfillDryRun     bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import historical prices from CoinGecko",
	Long: `Import historical prices from CoinGecko.

Stored timestamps never decrease, so history is only accepted when it is
newer than every stored observation. Run backfill before the first fetch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.BackfillOptions{
			CurrencyIDs: backfillCurrencies,
			From:        from,
			To:          to,
			DryRun:      backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillCurrencies, "currency", nil, "Currency ids to import (defaults to all tracked)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing to storage")
}
