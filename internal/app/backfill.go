package app

import (
	"context"

	"cryptotracker/internal/service"
)

// Backfill imports upstream price history into the store.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	ids := opts.CurrencyIDs
	if len(ids) == 0 {
		ids = a.Config.Upstream.IDs
	}

	var svc *service.Service
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
		svc = service.New(nil, nil, service.BackoffFromConfig(a.Config.Upstream), a.Logger)
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		svc = a.newService(store)
	}

	res, err := svc.Backfill(ctx, a.newSource(), service.BackfillOptions{
		CurrencyIDs: ids,
		From:        opts.From.UTC(),
		To:          opts.To.UTC(),
		DryRun:      opts.DryRun,
	})
	a.Logger.Info().
		Int("fetched", res.Fetched).
		Int("stored", res.Stored).
		Strs("failed", res.Failed).
		Msg("backfill finished")
	return err
}
