package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cryptotracker/internal/config"
)

func newTestSQLite(t *testing.T, loc *time.Location) *SQLiteStore {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "prices.db"),
	}
	store, err := OpenSQLite(context.Background(), cfg, loc)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSQLiteInitializeIsIdempotent(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.Append(ctx, []NewObservation{{CurrencyID: "bitcoin", Price: 1}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Initialize(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "initialize must not destroy rows")
}

func TestSQLiteAppendAssignsIDsAndTimestamps(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	store.now = func() time.Time { return fixed }

	stored, err := store.Append(context.Background(), []NewObservation{
		{CurrencyID: "bitcoin", Price: 5_000_000},
		{CurrencyID: "ethereum", Price: 250_000},
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Less(t, stored[0].ID, stored[1].ID)
	for _, obs := range stored {
		require.True(t, obs.Timestamp.Equal(fixed.Truncate(time.Microsecond)))
	}

	latest, err := store.Latest(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "ethereum", latest[0].CurrencyID, "equal timestamps fall back to insertion order")
	require.Equal(t, "bitcoin", latest[1].CurrencyID)
	require.True(t, latest[0].Timestamp.Equal(stored[1].Timestamp))
}

func TestSQLiteLatestReturnsMostRecentN(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()
	base := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, []NewObservation{
			{CurrencyID: "bitcoin", Price: float64(i), Timestamp: base.Add(time.Duration(i) * time.Minute)},
			{CurrencyID: "solana", Price: float64(100 + i), Timestamp: base.Add(time.Duration(i) * time.Minute)},
		})
		require.NoError(t, err)
	}

	latest, err := store.Latest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	require.Equal(t, "solana", latest[0].CurrencyID)
	require.Equal(t, 104.0, latest[0].Price)
	require.Equal(t, "bitcoin", latest[1].CurrencyID)
	require.Equal(t, 4.0, latest[1].Price)
	require.Equal(t, 103.0, latest[2].Price)

	all, err := store.Latest(ctx, 100)
	require.NoError(t, err)
	require.Len(t, all, 10)

	_, err = store.Latest(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidLimit)
}

func TestSQLiteAveragePrice(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 10, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 20, Timestamp: time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 30, Timestamp: time.Date(2024, 1, 3, 23, 59, 59, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 999, Timestamp: time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 999, Timestamp: time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)},
		{CurrencyID: "ethereum", Price: 500, Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	avg, err := store.AveragePrice(ctx, "bitcoin", date(2024, 1, 1), date(2024, 1, 3))
	require.NoError(t, err)
	require.InDelta(t, 20.0, avg, 1e-9)

	_, err = store.AveragePrice(ctx, "bitcoin", date(2024, 2, 1), date(2024, 2, 28))
	require.ErrorIs(t, err, ErrNoData)

	_, err = store.AveragePrice(ctx, "dogecoin", date(2024, 1, 1), date(2024, 1, 3))
	require.ErrorIs(t, err, ErrNoData)
}

func TestSQLiteAveragePriceZeroIsNotNoData(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "dust", Price: 0, Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	avg, err := store.AveragePrice(ctx, "dust", date(2024, 1, 1), date(2024, 1, 1))
	require.NoError(t, err)
	require.Zero(t, avg)
}

func TestSQLiteLatestAtOrBefore(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()
	tie := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)

	_, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 100, Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 105, Timestamp: tie},
		{CurrencyID: "bitcoin", Price: 110, Timestamp: tie},
		{CurrencyID: "bitcoin", Price: 200, Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		{CurrencyID: "ethereum", Price: 1, Timestamp: time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	obs, err := store.LatestAtOrBefore(ctx, "bitcoin", date(2024, 1, 2))
	require.NoError(t, err)
	require.Equal(t, 110.0, obs.Price, "ties resolve to the later insert")
	require.True(t, obs.Timestamp.Equal(tie))

	_, err = store.LatestAtOrBefore(ctx, "bitcoin", date(2023, 12, 31))
	require.ErrorIs(t, err, ErrNoData)
}

func TestSQLiteAppendIsAllOrNothing(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 1},
		{CurrencyID: "ethereum", Price: -3},
	})
	require.ErrorIs(t, err, ErrInvalidObservation)

	_, err = store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 1},
		{CurrencyID: "   ", Price: 3},
	})
	require.ErrorIs(t, err, ErrInvalidObservation)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	stored, err := store.Append(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestSQLiteAppendKeepsTimestampsMonotonic(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()
	live := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return live }

	_, err := store.Append(ctx, []NewObservation{{CurrencyID: "bitcoin", Price: 100}})
	require.NoError(t, err)

	_, err = store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 1, Timestamp: date(2024, 1, 1)},
	})
	require.ErrorIs(t, err, ErrOutOfOrder)

	// A batch given newest first is written oldest first.
	stored, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 3, Timestamp: live.Add(2 * time.Hour)},
		{CurrencyID: "bitcoin", Price: 2, Timestamp: live.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Equal(t, 2.0, stored[0].Price)
	require.Less(t, stored[0].ID, stored[1].ID)

	// The clock falling behind the stored rows does not reorder them.
	store.now = func() time.Time { return live }
	stored, err = store.Append(ctx, []NewObservation{{CurrencyID: "ethereum", Price: 9}})
	require.NoError(t, err)
	require.True(t, stored[0].Timestamp.Equal(live.Add(2*time.Hour)))

	latest, err := store.Latest(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, stored[0].ID, latest[0].ID, "latest row is the last one appended")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, count)
}

func TestSQLiteCalendarDatesFollowStoreLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	store := newTestSQLite(t, ist)
	ctx := context.Background()

	// 20:00 UTC on Jan 1 is 01:30 on Jan 2 in IST.
	_, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 42, Timestamp: time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	_, err = store.AveragePrice(ctx, "bitcoin", date(2024, 1, 1), date(2024, 1, 1))
	require.ErrorIs(t, err, ErrNoData)

	avg, err := store.AveragePrice(ctx, "bitcoin", date(2024, 1, 2), date(2024, 1, 2))
	require.NoError(t, err)
	require.Equal(t, 42.0, avg)

	_, err = store.LatestAtOrBefore(ctx, "bitcoin", date(2024, 1, 1))
	require.ErrorIs(t, err, ErrNoData)
}

func TestSQLiteBetween(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.Append(ctx, []NewObservation{
		{CurrencyID: "bitcoin", Price: 3, Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 1, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{CurrencyID: "bitcoin", Price: 2, Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	rows, err := store.Between(ctx, "bitcoin", date(2024, 1, 1), date(2024, 1, 2))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 1.0, rows[0].Price)
	require.Equal(t, 2.0, rows[1].Price)
}

func TestSQLiteLegacyTimestamps(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO crypto_prices (currency_id, price, timestamp) VALUES ('bitcoin', 7, '2024-02-01 10:11:12')`)
	require.NoError(t, err)

	obs, err := store.LatestAtOrBefore(ctx, "bitcoin", date(2024, 2, 1))
	require.NoError(t, err)
	require.True(t, obs.Timestamp.Equal(time.Date(2024, 2, 1, 10, 11, 12, 0, time.UTC)))
}

func TestSQLiteInitializeNormalizesLegacyMidnight(t *testing.T) {
	store := newTestSQLite(t, time.UTC)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO crypto_prices (currency_id, price, timestamp) VALUES ('bitcoin', 7, '2024-02-02 00:00:00')`)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))

	var stored string
	require.NoError(t, store.db.GetContext(ctx, &stored, `SELECT timestamp FROM crypto_prices`))
	require.Equal(t, "2024-02-02 00:00:00.000000", stored)

	_, err = store.AveragePrice(ctx, "bitcoin", date(2024, 2, 1), date(2024, 2, 1))
	require.ErrorIs(t, err, ErrNoData, "midnight belongs to the next day")

	avg, err := store.AveragePrice(ctx, "bitcoin", date(2024, 2, 2), date(2024, 2, 2))
	require.NoError(t, err)
	require.Equal(t, 7.0, avg)

	_, err = store.LatestAtOrBefore(ctx, "bitcoin", date(2024, 2, 1))
	require.ErrorIs(t, err, ErrNoData)
}

func TestNilStoreNotConfigured(t *testing.T) {
	var store *SQLiteStore
	_, err := store.Latest(context.Background(), 1)
	require.True(t, errors.Is(err, ErrNotConfigured))

	var pg *PostgresStore
	_, err = pg.Count(context.Background())
	require.True(t, errors.Is(err, ErrNotConfigured))
}
