package comparison

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptotracker/internal/storage"
)

// DateLayout is the accepted calendar-date format.
const DateLayout = "2006-01-02"

var (
	// ErrMissingParameter reports an empty start or end date.
	ErrMissingParameter = errors.New("comparison: start_date and end_date are required")
	// ErrInvalidDate reports a date that is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("comparison: invalid date format")
	// ErrInvalidRange reports a start date after the end date.
	ErrInvalidRange = errors.New("comparison: start_date is after end_date")
	// ErrNoDataInRange means no observation falls inside the range.
	ErrNoDataInRange = errors.New("comparison: no data in range")
	// ErrNoLatestPrice means nothing was observed on or before the end date.
	ErrNoLatestPrice = errors.New("comparison: no latest price")
	// ErrZeroAverage means the range average is zero and no percentage exists.
	ErrZeroAverage = errors.New("comparison: average price is zero")
)

// Messages returned to API clients.
const (
	msgMissingParameter = "Please provide both start_date and end_date parameters."
	msgInvalidDate      = "Invalid date format. Use YYYY-MM-DD"
	msgInvalidRange     = "start_date must not be after end_date"
	msgZeroAverage      = "Average price is zero; percentage difference is undefined"
)

var hundred = decimal.NewFromInt(100)

// Direction of the latest price relative to the average.
type Direction string

const (
	Higher Direction = "higher"
	Lower  Direction = "lower"
	Equal  Direction = "equal"
)

func (d Direction) phrase() string {
	switch d {
	case Higher:
		return "higher than"
	case Lower:
		return "lower than"
	default:
		return "equal to"
	}
}

// Result is the outcome of comparing a currency's latest price against its
// average over a date range.
type Result struct {
	CryptoID        string    `json:"crypto_id"`
	LatestPrice     float64   `json:"latest_price"`
	LatestTimestamp time.Time `json:"latest_timestamp"`
	AveragePrice    float64   `json:"average_price"`
	PercentageDiff  float64   `json:"percentage_diff"`
	Direction       Direction `json:"direction"`
	Comparison      string    `json:"comparison"`
}

// UserError is an error caused by the caller's input or by missing data. It
// carries the HTTP status the API answers with.
type UserError struct {
	Status  int
	Err     error
	Message string
}

func (e *UserError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *UserError) Unwrap() error { return e.Err }

func userError(status int, err error, message string) error {
	return &UserError{Status: status, Err: err, Message: message}
}

// Reader is the part of the store the engine needs.
type Reader interface {
	AveragePrice(ctx context.Context, currencyID string, start, end time.Time) (float64, error)
	LatestAtOrBefore(ctx context.Context, currencyID string, end time.Time) (storage.Observation, error)
}

// Engine answers comparison queries from stored observations.
type Engine struct {
	store Reader
}

// NewEngine constructs an Engine.
func NewEngine(store Reader) *Engine {
	return &Engine{store: store}
}

// Compare validates the request and compares the latest price on or before
// endDate with the average over [startDate, endDate]. Input and data errors
// are returned as *UserError; anything else is a storage failure.
func (e *Engine) Compare(ctx context.Context, currencyID, startDate, endDate string) (Result, error) {
	start, end, err := ParseRange(startDate, endDate)
	if err != nil {
		return Result{}, err
	}
	return e.CompareRange(ctx, currencyID, start, end)
}

// CompareRange is Compare for already parsed dates.
func (e *Engine) CompareRange(ctx context.Context, currencyID string, start, end time.Time) (Result, error) {
	currencyID = strings.TrimSpace(currencyID)
	if currencyID == "" {
		return Result{}, userError(http.StatusBadRequest, ErrMissingParameter, msgMissingParameter)
	}

	avg, err := e.store.AveragePrice(ctx, currencyID, start, end)
	if errors.Is(err, storage.ErrNoData) {
		return Result{}, &UserError{
			Status: http.StatusNotFound,
			Err:    ErrNoDataInRange,
			Message: fmt.Sprintf("No data available for %s within the selected date range. "+
				"Please try expanding the date range.", currencyID),
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("average price for %s: %w", currencyID, err)
	}

	latest, err := e.store.LatestAtOrBefore(ctx, currencyID, end)
	if errors.Is(err, storage.ErrNoData) {
		return Result{}, &UserError{
			Status:  http.StatusNotFound,
			Err:     ErrNoLatestPrice,
			Message: fmt.Sprintf("No latest price data for %s up to the selected end date.", currencyID),
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("latest price for %s: %w", currencyID, err)
	}

	return Evaluate(currencyID, latest, avg)
}

// Evaluate compares one observation with an already computed average.
func Evaluate(currencyID string, latest storage.Observation, avg float64) (Result, error) {
	if avg == 0 {
		return Result{}, userError(http.StatusUnprocessableEntity, ErrZeroAverage, msgZeroAverage)
	}

	avgDec := decimal.NewFromFloat(avg)
	latestDec := decimal.NewFromFloat(latest.Price)
	pct := latestDec.Sub(avgDec).Div(avgDec).Mul(hundred).Round(2)

	direction := Equal
	switch {
	case latest.Price > avg:
		direction = Higher
	case latest.Price < avg:
		direction = Lower
	}

	pctValue, _ := pct.Float64()
	avgValue, _ := avgDec.Round(2).Float64()

	return Result{
		CryptoID:        currencyID,
		LatestPrice:     latest.Price,
		LatestTimestamp: latest.Timestamp,
		AveragePrice:    avgValue,
		PercentageDiff:  pctValue,
		Direction:       direction,
		Comparison: fmt.Sprintf("The latest price is %s the average price by %s%%.",
			direction.phrase(), pct.Abs().StringFixed(2)),
	}, nil
}

// ParseRange validates a pair of YYYY-MM-DD dates.
func ParseRange(startDate, endDate string) (time.Time, time.Time, error) {
	startDate, endDate = strings.TrimSpace(startDate), strings.TrimSpace(endDate)
	if startDate == "" || endDate == "" {
		return time.Time{}, time.Time{}, userError(http.StatusBadRequest, ErrMissingParameter, msgMissingParameter)
	}
	start, err := time.Parse(DateLayout, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, userError(http.StatusBadRequest, ErrInvalidDate, msgInvalidDate)
	}
	end, err := time.Parse(DateLayout, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, userError(http.StatusBadRequest, ErrInvalidDate, msgInvalidDate)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, userError(http.StatusBadRequest, ErrInvalidRange, msgInvalidRange)
	}
	return start, end, nil
}
