package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cryptotracker/internal/fetcher"
	"cryptotracker/internal/storage"
)

// BackfillOptions describe one historical import.
type BackfillOptions struct {
	CurrencyIDs []string
	From        time.Time
	To          time.Time
	DryRun      bool
}

// BackfillResult summarises a historical import.
type BackfillResult struct {
	Fetched int
	Stored  int
	Failed  []string
}

// Backfill imports upstream price history for each currency. All currencies
// are merged into one batch ordered by timestamp and appended together, so
// the store only accepts it while the range lies after its newest row. Any
// failed fetch aborts the write, leaving the store untouched for a retry.
func (s *Service) Backfill(ctx context.Context, history fetcher.HistorySource, opts BackfillOptions) (BackfillResult, error) {
	var res BackfillResult
	if history == nil {
		return res, errors.New("history source not configured")
	}
	if !opts.From.Before(opts.To) {
		return res, errors.New("backfill range is empty, check --from/--to")
	}
	if !opts.DryRun && s.store == nil {
		return res, storage.ErrNotConfigured
	}

	var batch []storage.NewObservation
	for _, id := range opts.CurrencyIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		points, err := retryRateLimited(ctx, s, func(ctx context.Context) ([]fetcher.HistoricalQuote, error) {
			return history.FetchHistory(ctx, id, opts.From, opts.To)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return res, err
			}
			res.Failed = append(res.Failed, id)
			s.logger.Error().Err(err).Str("currency", id).Msg("history fetch failed")
			continue
		}
		res.Fetched += len(points)
		s.logger.Info().Str("currency", id).Int("points", len(points)).Msg("history fetched")

		for _, p := range points {
			batch = append(batch, storage.NewObservation{CurrencyID: p.CurrencyID, Price: p.Price, Timestamp: p.Timestamp})
		}
	}

	if len(res.Failed) > 0 {
		return res, fmt.Errorf("backfill failed for %d currencies: %v", len(res.Failed), res.Failed)
	}
	if opts.DryRun {
		s.logger.Info().Int("points", len(batch)).Msg("dry-run: history not stored")
		return res, nil
	}
	if len(batch) == 0 {
		return res, nil
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Timestamp.Before(batch[j].Timestamp) })
	stored, err := s.store.Append(ctx, batch)
	if errors.Is(err, storage.ErrOutOfOrder) {
		return res, fmt.Errorf("history predates stored observations, backfill before the first fetch: %w", err)
	}
	if err != nil {
		return res, fmt.Errorf("store history: %w", err)
	}
	res.Stored = len(stored)
	s.logger.Info().Int("stored", res.Stored).Msg("history imported")
	return res, nil
}
