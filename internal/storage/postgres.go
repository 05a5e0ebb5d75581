package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cryptotracker/internal/config"
)

const (
	// schemaLockKey serialises concurrent Initialize calls across processes.
	schemaLockKey int64 = 0x63727970
	// appendLockKey serialises writers so each batch sees the newest timestamp.
	appendLockKey int64 = 0x63727971
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS crypto_prices (
        id          BIGSERIAL PRIMARY KEY,
        currency_id TEXT             NOT NULL,
        price       DOUBLE PRECISION NOT NULL CHECK (price >= 0),
        timestamp   TIMESTAMPTZ      NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_crypto_prices_currency_ts ON crypto_prices (currency_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_crypto_prices_ts ON crypto_prices (timestamp)`,
}

const (
	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`
	tryAdvisoryLockSQL  = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL   = `SELECT pg_advisory_unlock($1);`

	insertObservationSQL = `INSERT INTO crypto_prices (currency_id, price, timestamp)
    VALUES ($1, $2, $3)
    RETURNING id;`

	listLatestSQL = `SELECT id, currency_id, price, timestamp
    FROM crypto_prices
    ORDER BY timestamp DESC, id DESC
    LIMIT $1;`

	averagePriceSQL = `SELECT AVG(price)
    FROM crypto_prices
    WHERE currency_id = $1
      AND timestamp >= $2
      AND timestamp < $3;`

	latestAtOrBeforeSQL = `SELECT id, currency_id, price, timestamp
    FROM crypto_prices
    WHERE currency_id = $1
      AND timestamp < $2
    ORDER BY timestamp DESC, id DESC
    LIMIT 1;`

	listBetweenSQL = `SELECT id, currency_id, price, timestamp
    FROM crypto_prices
    WHERE currency_id = $1
      AND timestamp >= $2
      AND timestamp < $3
    ORDER BY timestamp ASC, id ASC;`

	countObservationsSQL = `SELECT COUNT(*) FROM crypto_prices;`

	newestTimestampSQL = `SELECT MAX(timestamp) FROM crypto_prices;`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required for the postgres driver")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresStore keeps observations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	loc  *time.Location
	now  func() time.Time
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, loc *time.Location) *PostgresStore {
	if loc == nil {
		loc = time.UTC
	}
	return &PostgresStore{pool: pool, loc: loc, now: time.Now}
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Initialize creates the schema under a transaction-scoped advisory lock.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Append inserts the batch in one transaction, oldest first.
func (s *PostgresStore) Append(ctx context.Context, batch []NewObservation) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, appendLockKey); err != nil {
		return nil, fmt.Errorf("acquire append lock: %w", err)
	}
	var newest *time.Time
	if err := tx.QueryRow(ctx, newestTimestampSQL).Scan(&newest); err != nil {
		return nil, fmt.Errorf("read newest timestamp: %w", err)
	}
	var floor time.Time
	if newest != nil {
		floor = newest.UTC()
	}

	rows, err := prepareBatch(batch, s.now(), floor)
	if err != nil {
		return nil, err
	}

	queued := &pgx.Batch{}
	for _, row := range rows {
		queued.Queue(insertObservationSQL, row.CurrencyID, row.Price, row.Timestamp)
	}

	results := tx.SendBatch(ctx, queued)
	stored := make([]Observation, 0, len(rows))
	for _, row := range rows {
		var id int64
		if scanErr := results.QueryRow().Scan(&id); scanErr != nil {
			results.Close()
			return nil, fmt.Errorf("insert %s observation: %w", row.CurrencyID, scanErr)
		}
		stored = append(stored, Observation{
			ID:         id,
			CurrencyID: row.CurrencyID,
			Price:      row.Price,
			Timestamp:  row.Timestamp,
		})
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("close append batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stored, nil
}

// Latest lists the most recent observations across all currencies.
func (s *PostgresStore) Latest(ctx context.Context, limit int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	rows, queryErr := pool.Query(ctx, listLatestSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list latest observations: %w", queryErr)
	}
	return collectObservations(rows, limit)
}

// AveragePrice averages price over the inclusive calendar-date range.
func (s *PostgresStore) AveragePrice(ctx context.Context, currencyID string, start, end time.Time) (float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	from, to := dayRange(s.loc, start, end)
	var avg *float64
	if scanErr := pool.QueryRow(ctx, averagePriceSQL, currencyID, from, to).Scan(&avg); scanErr != nil {
		return 0, fmt.Errorf("average price: %w", scanErr)
	}
	if avg == nil {
		return 0, ErrNoData
	}
	return *avg, nil
}

// LatestAtOrBefore returns the newest observation dated on or before end.
func (s *PostgresStore) LatestAtOrBefore(ctx context.Context, currencyID string, end time.Time) (Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, err
	}

	row := pool.QueryRow(ctx, latestAtOrBeforeSQL, currencyID, dayEnd(s.loc, end))
	obs, scanErr := scanObservation(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Observation{}, ErrNoData
	}
	if scanErr != nil {
		return Observation{}, fmt.Errorf("latest observation at or before: %w", scanErr)
	}
	return obs, nil
}

// Between lists observations in the inclusive calendar-date range, oldest first.
func (s *PostgresStore) Between(ctx context.Context, currencyID string, start, end time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	from, to := dayRange(s.loc, start, end)
	rows, queryErr := pool.Query(ctx, listBetweenSQL, currencyID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	return collectObservations(rows, 0)
}

// Count counts stored observations.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock takes a session-level advisory lock on a dedicated
// connection. The returned func releases it.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func scanObservation(row pgx.Row) (Observation, error) {
	var obs Observation
	if err := row.Scan(&obs.ID, &obs.CurrencyID, &obs.Price, &obs.Timestamp); err != nil {
		return Observation{}, err
	}
	obs.Timestamp = obs.Timestamp.UTC()
	return obs, nil
}

func collectObservations(rows pgx.Rows, capacity int) ([]Observation, error) {
	defer rows.Close()

	out := make([]Observation, 0, capacity)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

var (
	_ PriceStore     = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
