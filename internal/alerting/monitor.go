package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptotracker/internal/comparison"
	"cryptotracker/internal/storage"
)

// AverageReader supplies the trailing average a price is compared against.
type AverageReader interface {
	AveragePrice(ctx context.Context, currencyID string, start, end time.Time) (float64, error)
}

// MonitorOptions tune the price-move monitor.
type MonitorOptions struct {
	ThresholdPct float64
	WindowDays   int
	Cooldown     time.Duration
	VsCurrency   string
	Location     *time.Location
}

// Monitor compares freshly stored prices against their trailing average and
// notifies when the move crosses the threshold.
type Monitor struct {
	opts     MonitorOptions
	averages AverageReader
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMonitor constructs a Monitor.
func NewMonitor(opts MonitorOptions, averages AverageReader, notifier Notifier, logger zerolog.Logger) *Monitor {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Monitor{
		opts:     opts,
		averages: averages,
		notifier: notifier,
		logger:   logger.With().Str("component", "alert_monitor").Logger(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Evaluate checks each observation and returns how many alerts were sent.
// Failures are logged per currency and never abort the remaining checks.
func (m *Monitor) Evaluate(ctx context.Context, observations []storage.Observation) int {
	if m == nil || m.averages == nil || m.notifier == nil {
		return 0
	}

	threshold := decimal.NewFromFloat(m.opts.ThresholdPct)
	sent := 0
	for _, obs := range observations {
		if ctx.Err() != nil {
			return sent
		}

		y, mo, d := obs.Timestamp.In(m.opts.Location).Date()
		end := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
		start := end.AddDate(0, 0, -m.opts.WindowDays)

		avg, err := m.averages.AveragePrice(ctx, obs.CurrencyID, start, end)
		if errors.Is(err, storage.ErrNoData) {
			m.logger.Debug().Str("currency", obs.CurrencyID).Msg("no history for alert window")
			continue
		}
		if err != nil {
			m.logger.Error().Str("currency", obs.CurrencyID).Err(err).Msg("alert evaluation failed")
			continue
		}

		res, err := comparison.Evaluate(obs.CurrencyID, obs, avg)
		if err != nil {
			m.logger.Debug().Str("currency", obs.CurrencyID).Err(err).Msg("skip alert evaluation")
			continue
		}

		deviation := decimal.NewFromFloat(res.PercentageDiff)
		if deviation.Abs().LessThan(threshold) {
			continue
		}
		if !m.claim(obs.CurrencyID) {
			m.logger.Debug().Str("currency", obs.CurrencyID).Msg("alert suppressed by cooldown")
			continue
		}

		note := Notification{
			CurrencyID:   obs.CurrencyID,
			VsCurrency:   m.opts.VsCurrency,
			ObservedAt:   res.LatestTimestamp,
			Price:        decimal.NewFromFloat(res.LatestPrice),
			AveragePrice: decimal.NewFromFloat(res.AveragePrice),
			DeviationPct: deviation,
			ThresholdPct: threshold,
			WindowDays:   m.opts.WindowDays,
			Direction:    string(res.Direction),
		}
		if err := m.notifier.Notify(ctx, note); err != nil {
			m.release(obs.CurrencyID)
			m.logger.Error().Str("currency", obs.CurrencyID).Err(err).Msg("failed to dispatch alert")
			continue
		}
		sent++
	}
	return sent
}

// claim reserves the currency's cooldown slot.
func (m *Monitor) claim(currencyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastSent[currencyID]; ok && now.Sub(last) < m.opts.Cooldown {
		return false
	}
	m.lastSent[currencyID] = now
	return true
}

func (m *Monitor) release(currencyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSent, currencyID)
}
