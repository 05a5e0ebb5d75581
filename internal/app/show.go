package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"cryptotracker/internal/comparison"
)

// Show prints the most recent observations.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.Server.RecentLimit
	}
	observations, err := store.Latest(ctx, limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(a.Out, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (UTC)\tCurrency\tPrice (%s)\n", a.vsLabel())
	for _, obs := range observations {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\n",
			obs.Timestamp.UTC().Format(time.RFC3339),
			obs.CurrencyID,
			formatPrice(obs.Price),
		)
	}
	return writer.Flush()
}

// Compare prints the latest-vs-average comparison for one currency.
func (a *App) Compare(ctx context.Context, opts CompareOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := comparison.NewEngine(store).Compare(ctx, opts.CurrencyID, opts.StartDate, opts.EndDate)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Currency\t%s\n", res.CryptoID)
	fmt.Fprintf(writer, "Latest price\t%s %s\n", formatPrice(res.LatestPrice), a.vsLabel())
	fmt.Fprintf(writer, "Latest at\t%s\n", res.LatestTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Average price\t%s %s\n", formatPrice(res.AveragePrice), a.vsLabel())
	fmt.Fprintf(writer, "Difference\t%s%%\n", decimal.NewFromFloat(res.PercentageDiff).StringFixed(2))
	fmt.Fprintln(writer, res.Comparison)
	return writer.Flush()
}

func (a *App) vsLabel() string {
	return strings.ToUpper(a.Config.Upstream.VsCurrency)
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).String()
}
