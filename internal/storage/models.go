package storage

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Observation is one persisted price sample for a tracked currency.
type Observation struct {
	ID         int64     `json:"-"`
	CurrencyID string    `json:"currency_id"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewObservation is the append input. A zero Timestamp is assigned at write time.
type NewObservation struct {
	CurrencyID string
	Price      float64
	Timestamp  time.Time
}

func (n NewObservation) validate() error {
	if strings.TrimSpace(n.CurrencyID) == "" {
		return fmt.Errorf("%w: empty currency id", ErrInvalidObservation)
	}
	if math.IsNaN(n.Price) || math.IsInf(n.Price, 0) {
		return fmt.Errorf("%w: %s price is not finite", ErrInvalidObservation, n.CurrencyID)
	}
	if n.Price < 0 {
		return fmt.Errorf("%w: %s price %v is negative", ErrInvalidObservation, n.CurrencyID, n.Price)
	}
	return nil
}

// prepareBatch validates every row, stamps missing timestamps with now and
// sorts the batch oldest first. Timestamps are normalised to UTC microseconds,
// the finest precision both backends keep.
//
// floor is the newest timestamp already stored. Supplied timestamps before it
// fail with ErrOutOfOrder; stamped rows are raised to it when the clock lags.
func prepareBatch(batch []NewObservation, now, floor time.Time) ([]NewObservation, error) {
	now = now.UTC().Truncate(time.Microsecond)
	if now.Before(floor) {
		now = floor
	}
	out := make([]NewObservation, len(batch))
	for i, obs := range batch {
		if err := obs.validate(); err != nil {
			return nil, err
		}
		if obs.Timestamp.IsZero() {
			obs.Timestamp = now
		} else {
			obs.Timestamp = obs.Timestamp.UTC().Truncate(time.Microsecond)
		}
		if obs.Timestamp.Before(floor) {
			return nil, fmt.Errorf("%w: %s at %s is before %s",
				ErrOutOfOrder, obs.CurrencyID, obs.Timestamp.Format(time.RFC3339Nano), floor.Format(time.RFC3339Nano))
		}
		out[i] = obs
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
