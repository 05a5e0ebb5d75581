package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited reports an HTTP 429 from the upstream API.
var ErrRateLimited = errors.New("upstream rate limited")

type retryKey struct{}

// WithRetry marks ctx as carrying a retry of a request that was already paced.
// Clients skip their request limiter for such calls; the caller's backoff
// spaces them instead.
func WithRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

func isRetry(ctx context.Context) bool {
	retry, _ := ctx.Value(retryKey{}).(bool)
	return retry
}

// Quote is one spot price returned by the upstream API.
type Quote struct {
	CurrencyID string
	Price      float64
}

// PriceSource retrieves current prices for the tracked currency set.
type PriceSource interface {
	FetchPrices(ctx context.Context) ([]Quote, error)
}

// HistoricalQuote is one point of an upstream price series.
type HistoricalQuote struct {
	CurrencyID string
	Price      float64
	Timestamp  time.Time
}

// HistorySource retrieves past prices for one currency.
type HistorySource interface {
	FetchHistory(ctx context.Context, currencyID string, from, to time.Time) ([]HistoricalQuote, error)
}

// RateLimitError is returned on HTTP 429. It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// UpstreamError is a non-2xx, non-429 response.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("upstream error (%d): %s", e.StatusCode, e.Message)
}

// TransportError covers network failures, timeouts and unreadable payloads.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
