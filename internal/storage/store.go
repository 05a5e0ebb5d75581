package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptotracker/internal/config"
)

var (
	// ErrNotConfigured indicates the backing database handle was not initialised.
	ErrNotConfigured = errors.New("storage: database not configured")
	// ErrNoData is returned by aggregate and point lookups that match no rows.
	ErrNoData = errors.New("storage: no data")
	// ErrInvalidLimit rejects non-positive limits.
	ErrInvalidLimit = errors.New("storage: limit must be positive")
	// ErrInvalidObservation rejects a batch containing a malformed row.
	ErrInvalidObservation = errors.New("storage: invalid observation")
	// ErrOutOfOrder rejects a row dated before the newest stored observation.
	ErrOutOfOrder = errors.New("storage: observation older than newest stored")
)

// PriceStore is the append-only observation log shared by the fetch loop and
// the read API.
//
// Append is all-or-nothing: every row of one call is committed in a single
// transaction or none is. Rows are written oldest first and never before the
// newest stored timestamp, so insertion order and timestamp order agree. Date arguments are calendar dates; only their
// year/month/day fields are used and they are interpreted in the store's
// location.
type PriceStore interface {
	Initialize(ctx context.Context) error
	Append(ctx context.Context, batch []NewObservation) ([]Observation, error)
	Latest(ctx context.Context, limit int) ([]Observation, error)
	AveragePrice(ctx context.Context, currencyID string, start, end time.Time) (float64, error)
	LatestAtOrBefore(ctx context.Context, currencyID string, end time.Time) (Observation, error)
	Between(ctx context.Context, currencyID string, start, end time.Time) ([]Observation, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// AdvisoryLocker is implemented by backends that can keep several processes
// from running the fetch cycle at the same time.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (PriceStore, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg, loc)
	case "postgres", "postgresql", "pgx":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool, loc), nil
	default:
		return nil, fmt.Errorf("unsupported database.driver %q", cfg.Driver)
	}
}

// dayRange converts an inclusive calendar-date range into the half-open UTC
// instant range [from, to).
func dayRange(loc *time.Location, start, end time.Time) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()
	from := time.Date(sy, sm, sd, 0, 0, 0, 0, loc)
	to := time.Date(ey, em, ed+1, 0, 0, 0, 0, loc)
	return from.UTC(), to.UTC()
}

// dayEnd returns the first instant after the calendar date of end.
func dayEnd(loc *time.Location, end time.Time) time.Time {
	_, to := dayRange(loc, end, end)
	return to
}
