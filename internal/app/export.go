package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"cryptotracker/internal/storage"
)

// currencySeries is the exported history of one currency, oldest first.
type currencySeries struct {
	CurrencyID   string
	Observations []storage.Observation
}

// Export renders stored observations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	ids := opts.CurrencyIDs
	if len(ids) == 0 {
		ids = a.Config.Upstream.IDs
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if from.After(to) {
		return errors.New("from must not be after to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	series := make([]currencySeries, 0, len(ids))
	total, exported := 0, 0
	for _, id := range ids {
		observations, err := store.Between(ctx, id, from, to)
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		if len(observations) == 0 {
			continue
		}
		sampled := downsampleObservations(observations, opts.MaxPoints)
		total += len(observations)
		exported += len(sampled)
		series = append(series, currencySeries{CurrencyID: id, Observations: sampled})
	}
	if len(series) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}
	a.Logger.Info().Int("currencies", len(series)).Int("total", total).Int("exported", exported).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, series, a.Config.Upstream.VsCurrency); err != nil {
			return err
		}
	}
	return nil
}

func downsampleObservations(observations []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, series []currencySeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"currency_id", "timestamp", "price"}); err != nil {
		return err
	}
	for _, s := range series {
		for _, obs := range s.Observations {
			record := []string{
				obs.CurrencyID,
				obs.Timestamp.UTC().Format(time.RFC3339Nano),
				decimal.NewFromFloat(obs.Price).String(),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

// writeObservationsPNG plots a single currency in its quote currency and
// several currencies as percentage change from their first exported point.
func writeObservationsPNG(path string, series []currencySeries, vsCurrency string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	relative := len(series) > 1
	axisName := fmt.Sprintf("Price (%s)", strings.ToUpper(vsCurrency))
	if relative {
		axisName = "Change since start (%)"
	}

	chartSeries := make([]chart.Series, 0, len(series))
	for _, s := range series {
		x := make([]time.Time, len(s.Observations))
		y := make([]float64, len(s.Observations))
		base := s.Observations[0].Price
		for i, obs := range s.Observations {
			x[i] = obs.Timestamp
			y[i] = obs.Price
			if relative {
				y[i] = 0
				if base != 0 {
					y[i] = (obs.Price - base) / base * 100
				}
			}
		}
		if len(x) == 1 {
			// go-chart needs two points to build a range.
			x = append(x, x[0].Add(time.Second))
			y = append(y, y[0])
		}
		chartSeries = append(chartSeries, chart.TimeSeries{Name: s.CurrencyID, XValues: x, YValues: y})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: axisName,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: chartSeries,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
