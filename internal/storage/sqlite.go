package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"cryptotracker/internal/config"
)

// sqliteTimeLayout is fixed width so lexical order equals chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// legacyTimeLayout matches rows written with CURRENT_TIMESTAMP.
const legacyTimeLayout = "2006-01-02 15:04:05"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS crypto_prices (
        id          INTEGER PRIMARY KEY AUTOINCREMENT,
        currency_id TEXT    NOT NULL,
        price       REAL    NOT NULL CHECK (price >= 0),
        timestamp   TEXT    NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_crypto_prices_currency_ts ON crypto_prices (currency_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_crypto_prices_ts ON crypto_prices (timestamp)`,
}

// sqliteNormalizeLegacySQL pads second-precision rows to sqliteTimeLayout so
// they compare correctly against range bounds.
const sqliteNormalizeLegacySQL = `UPDATE crypto_prices
    SET timestamp = timestamp || '.000000'
    WHERE length(timestamp) = 19`

const (
	sqliteInsertSQL = `INSERT INTO crypto_prices (currency_id, price, timestamp) VALUES (?, ?, ?)`

	sqliteLatestSQL = `SELECT id, currency_id, price, timestamp
    FROM crypto_prices
    ORDER BY timestamp DESC, id DESC
    LIMIT ?`

	sqliteAverageSQL = `SELECT AVG(price)
    FROM crypto_prices
    WHERE currency_id = ?
      AND timestamp >= ?
      AND timestamp < ?`

	sqliteLatestAtOrBeforeSQL = `SELECT id, currency_id, price, timestamp
    FROM crypto_prices
    WHERE currency_id = ?
      AND timestamp < ?
    ORDER BY timestamp DESC, id DESC
    LIMIT 1`

	sqliteBetweenSQL = `SELECT id, currency_id, price, timestamp
    FROM crypto_prices
    WHERE currency_id = ?
      AND timestamp >= ?
      AND timestamp < ?
    ORDER BY timestamp ASC, id ASC`

	sqliteCountSQL = `SELECT COUNT(*) FROM crypto_prices`

	sqliteNewestSQL = `SELECT MAX(timestamp) FROM crypto_prices`
)

// SQLiteStore keeps observations in a local SQLite file.
type SQLiteStore struct {
	db  *sqlx.DB
	loc *time.Location
	now func() time.Time
}

type sqliteRow struct {
	ID         int64   `db:"id"`
	CurrencyID string  `db:"currency_id"`
	Price      float64 `db:"price"`
	Timestamp  string  `db:"timestamp"`
}

// NewSQLiteStore wraps an open handle. loc is the calendar-date location.
func NewSQLiteStore(db *sqlx.DB, loc *time.Location) *SQLiteStore {
	if loc == nil {
		loc = time.UTC
	}
	return &SQLiteStore{db: db, loc: loc, now: time.Now}
}

// OpenSQLite opens (or creates) the database file named by cfg.Path and
// ensures the schema exists.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig, loc *time.Location) (*SQLiteStore, error) {
	dsn, err := sqliteDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := NewSQLiteStore(db, loc)
	if err := store.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func sqliteDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Path == "" {
		return "", errors.New("database.path is required for the sqlite driver")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + params.Encode(), nil
}

func (s *SQLiteStore) getDB() (*sqlx.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Initialize creates the table and indexes if they are missing and rewrites
// legacy second-precision timestamps in the fixed-width layout.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteNormalizeLegacySQL); err != nil {
		return fmt.Errorf("normalize legacy timestamps: %w", err)
	}
	return nil
}

// Append inserts the batch in one transaction, oldest first.
func (s *SQLiteStore) Append(ctx context.Context, batch []NewObservation) ([]Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var newest sql.NullString
	if err := tx.GetContext(ctx, &newest, sqliteNewestSQL); err != nil {
		return nil, fmt.Errorf("read newest timestamp: %w", err)
	}
	var floor time.Time
	if newest.Valid {
		if floor, err = parseSQLiteTime(newest.String); err != nil {
			return nil, err
		}
	}

	rows, err := prepareBatch(batch, s.now(), floor)
	if err != nil {
		return nil, err
	}

	stored := make([]Observation, 0, len(rows))
	for _, row := range rows {
		res, execErr := tx.ExecContext(ctx, sqliteInsertSQL,
			row.CurrencyID,
			row.Price,
			row.Timestamp.Format(sqliteTimeLayout),
		)
		if execErr != nil {
			return nil, fmt.Errorf("insert %s observation: %w", row.CurrencyID, execErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return nil, fmt.Errorf("read inserted id: %w", idErr)
		}
		stored = append(stored, Observation{
			ID:         id,
			CurrencyID: row.CurrencyID,
			Price:      row.Price,
			Timestamp:  row.Timestamp,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stored, nil
}

// Latest lists the most recent observations across all currencies.
func (s *SQLiteStore) Latest(ctx context.Context, limit int) ([]Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	var rows []sqliteRow
	if err := db.SelectContext(ctx, &rows, sqliteLatestSQL, limit); err != nil {
		return nil, fmt.Errorf("list latest observations: %w", err)
	}
	return convertSQLiteRows(rows)
}

// AveragePrice averages price over the inclusive calendar-date range.
func (s *SQLiteStore) AveragePrice(ctx context.Context, currencyID string, start, end time.Time) (float64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	from, to := dayRange(s.loc, start, end)
	var avg sql.NullFloat64
	if err := db.GetContext(ctx, &avg, sqliteAverageSQL,
		currencyID,
		from.Format(sqliteTimeLayout),
		to.Format(sqliteTimeLayout),
	); err != nil {
		return 0, fmt.Errorf("average price: %w", err)
	}
	if !avg.Valid {
		return 0, ErrNoData
	}
	return avg.Float64, nil
}

// LatestAtOrBefore returns the newest observation dated on or before end.
func (s *SQLiteStore) LatestAtOrBefore(ctx context.Context, currencyID string, end time.Time) (Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return Observation{}, err
	}

	var row sqliteRow
	err = db.GetContext(ctx, &row, sqliteLatestAtOrBeforeSQL,
		currencyID,
		dayEnd(s.loc, end).Format(sqliteTimeLayout),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, ErrNoData
	}
	if err != nil {
		return Observation{}, fmt.Errorf("latest observation at or before: %w", err)
	}
	return row.observation()
}

// Between lists observations in the inclusive calendar-date range, oldest first.
func (s *SQLiteStore) Between(ctx context.Context, currencyID string, start, end time.Time) ([]Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	from, to := dayRange(s.loc, start, end)
	var rows []sqliteRow
	if err := db.SelectContext(ctx, &rows, sqliteBetweenSQL,
		currencyID,
		from.Format(sqliteTimeLayout),
		to.Format(sqliteTimeLayout),
	); err != nil {
		return nil, fmt.Errorf("list observations between: %w", err)
	}
	return convertSQLiteRows(rows)
}

// Count counts stored observations.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.GetContext(ctx, &count, sqliteCountSQL); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return count, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (r sqliteRow) observation() (Observation, error) {
	ts, err := parseSQLiteTime(r.Timestamp)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		ID:         r.ID,
		CurrencyID: r.CurrencyID,
		Price:      r.Price,
		Timestamp:  ts,
	}, nil
}

func convertSQLiteRows(rows []sqliteRow) ([]Observation, error) {
	out := make([]Observation, 0, len(rows))
	for _, row := range rows {
		obs, err := row.observation()
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

func parseSQLiteTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ts, err := time.ParseInLocation(sqliteTimeLayout, v, time.UTC); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(legacyTimeLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

var _ PriceStore = (*SQLiteStore)(nil)
