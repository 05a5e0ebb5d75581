package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cryptotracker/internal/alerting"
	"cryptotracker/internal/config"
	"cryptotracker/internal/fetcher"
	"cryptotracker/internal/metrics"
	"cryptotracker/internal/scheduler"
	"cryptotracker/internal/storage"
)

// ErrRetriesExhausted ends a cycle that stayed rate limited past the retry budget.
var ErrRetriesExhausted = errors.New("rate limit retries exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Appender is the write side of the store.
type Appender interface {
	Append(ctx context.Context, batch []storage.NewObservation) ([]storage.Observation, error)
}

// BackoffPolicy controls the wait between rate-limited attempts.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // 0 retries forever
}

// Option customises a Service.
type Option func(*Service)

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(sleep Sleeper) Option {
	return func(s *Service) { s.sleep = sleep }
}

// WithMonitor enables price-move alert evaluation after each append.
func WithMonitor(m *alerting.Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

// WithAdvisoryLock makes every cycle hold the given lock key.
func WithAdvisoryLock(locker storage.AdvisoryLocker, key int64) Option {
	return func(s *Service) {
		s.locker = locker
		s.lockKey = key
	}
}

// WithScheduler sets the scheduler used by Run.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *Service) { s.scheduler = sched }
}

// Service 负责单次抓取周期：拉取行情、退避重试、持久化与告警。
type Service struct {
	scheduler *scheduler.Scheduler
	source    fetcher.PriceSource
	store     Appender
	monitor   *alerting.Monitor
	logger    zerolog.Logger
	backoff   BackoffPolicy
	sleep     Sleeper

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the polling service.
func New(source fetcher.PriceSource, store Appender, backoff BackoffPolicy, logger zerolog.Logger, opts ...Option) *Service {
	if backoff.Initial <= 0 {
		backoff.Initial = time.Second
	}
	s := &Service{
		source:  source,
		store:   store,
		logger:  logger.With().Str("component", "service").Logger(),
		backoff: backoff,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BackoffFromConfig maps upstream settings to a BackoffPolicy.
func BackoffFromConfig(cfg config.UpstreamConfig) BackoffPolicy {
	return BackoffPolicy{
		Initial:    cfg.InitialBackoff,
		Max:        cfg.MaxBackoff,
		MaxRetries: cfg.MaxRetries,
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick adapts FetchOnce to the scheduler.
func (s *Service) Tick(ctx context.Context, _ time.Time) error {
	return s.FetchOnce(ctx)
}

// FetchOnce 执行一次完整抓取周期。
func (s *Service) FetchOnce(ctx context.Context) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	result, err := s.fetchAndStore(ctx)
	metrics.RecordFetchCycle(result, time.Since(started))
	return err
}

func (s *Service) fetchAndStore(ctx context.Context) (string, error) {
	quotes, err := s.fetchWithBackoff(ctx)
	if err != nil {
		result := classifyFetchError(err)
		s.logger.Error().Err(err).Str("result", result).Msg("fetch cycle failed")
		return result, err
	}

	batch := make([]storage.NewObservation, 0, len(quotes))
	for _, q := range quotes {
		batch = append(batch, storage.NewObservation{CurrencyID: q.CurrencyID, Price: q.Price})
	}

	stored, err := s.store.Append(ctx, batch)
	if err != nil {
		s.logger.Error().Err(err).Int("quotes", len(batch)).Msg("failed to store observations")
		return metrics.ResultStorage, fmt.Errorf("store observations: %w", err)
	}
	metrics.RecordAppended(len(stored))

	if len(stored) == 0 {
		s.logger.Warn().Msg("upstream returned no usable quotes")
	} else {
		s.logger.Info().Int("count", len(stored)).Msg("observations recorded")
	}

	if s.monitor != nil && len(stored) > 0 {
		if sent := s.monitor.Evaluate(ctx, stored); sent > 0 {
			s.logger.Info().Int("alerts", sent).Msg("price move alerts dispatched")
		}
	}
	return metrics.ResultSuccess, nil
}

// fetchWithBackoff retries only on rate limiting, doubling the wait each time.
func (s *Service) fetchWithBackoff(ctx context.Context) ([]fetcher.Quote, error) {
	return retryRateLimited(ctx, s, s.source.FetchPrices)
}

func retryRateLimited[T any](ctx context.Context, s *Service, call func(context.Context) (T, error)) (T, error) {
	var zero T
	delay := s.backoff.Initial
	callCtx := ctx
	for retries := 0; ; retries++ {
		out, err := call(callCtx)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, fetcher.ErrRateLimited) {
			return zero, err
		}
		if s.backoff.MaxRetries > 0 && retries >= s.backoff.MaxRetries {
			return zero, fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, retries, err)
		}

		s.logger.Warn().Dur("backoff", delay).Int("retry", retries+1).Msg("rate limited, backing off")
		metrics.RecordBackoff()
		if err := s.sleep(ctx, delay); err != nil {
			return zero, err
		}

		callCtx = fetcher.WithRetry(ctx)
		delay *= 2
		if s.backoff.Max > 0 && delay > s.backoff.Max {
			delay = s.backoff.Max
		}
	}
}

func classifyFetchError(err error) string {
	var upErr *fetcher.UpstreamError
	var tErr *fetcher.TransportError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCanceled
	case errors.Is(err, fetcher.ErrRateLimited):
		return metrics.ResultRateLimited
	case errors.As(err, &upErr):
		return metrics.ResultUpstream
	case errors.As(err, &tErr):
		return metrics.ResultTransport
	default:
		return metrics.ResultTransport
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
