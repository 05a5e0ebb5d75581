package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cryptotracker/internal/alerting"
	"cryptotracker/internal/api"
	"cryptotracker/internal/comparison"
	"cryptotracker/internal/config"
	"cryptotracker/internal/fetcher"
	"cryptotracker/internal/scheduler"
	"cryptotracker/internal/service"
	"cryptotracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newSource() *fetcher.CoinGecko {
	up := a.Config.Upstream
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:           up.BaseURL,
		VsCurrency:        up.VsCurrency,
		IDs:               up.IDs,
		APIKey:            up.APIKey,
		Timeout:           up.Timeout,
		UserAgent:         up.UserAgent,
		RequestsPerMinute: up.RequestsPerMinute,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newMonitor(store alerting.AverageReader) (*alerting.Monitor, error) {
	loc, err := a.Config.Database.Location()
	if err != nil {
		return nil, err
	}
	cfg := a.Config.Alerting
	return alerting.NewMonitor(alerting.MonitorOptions{
		ThresholdPct: cfg.ThresholdPct,
		WindowDays:   cfg.WindowDays,
		Cooldown:     cfg.Cooldown,
		VsCurrency:   a.Config.Upstream.VsCurrency,
		Location:     loc,
	}, store, a.newNotifier(), a.Logger), nil
}

// openStore opens the configured backend and ensures its schema exists.
func (a *App) openStore(ctx context.Context) (storage.PriceStore, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newService(store storage.PriceStore, opts ...service.Option) *service.Service {
	if locker, ok := store.(storage.AdvisoryLocker); ok && a.Config.Scheduler.AdvisoryLockKey != 0 {
		opts = append(opts, service.WithAdvisoryLock(locker, a.Config.Scheduler.AdvisoryLockKey))
	}
	return service.New(a.newSource(), store, service.BackoffFromConfig(a.Config.Upstream), a.Logger, opts...)
}

// NewHTTPHandler wires the read API for store.
func (a *App) NewHTTPHandler(store storage.PriceStore) http.Handler {
	handler := api.NewHandler(store, comparison.NewEngine(store), a.Config.Server.RecentLimit, a.Logger)
	return api.NewRouter(handler, a.Config.Server.CORSOrigin, a.Logger)
}

// Run executes the polling loop and the HTTP API until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		Cron:           a.Config.Scheduler.Cron,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	if err != nil {
		return err
	}

	opts := []service.Option{service.WithScheduler(sched)}
	if a.Config.Alerting.Enabled {
		monitor, err := a.newMonitor(store)
		if err != nil {
			return err
		}
		opts = append(opts, service.WithMonitor(monitor))
	}
	svc := a.newService(store, opts...)
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(a.Config.Server, a.NewHTTPHandler(store), a.Logger)

	a.Logger.Info().
		Str("driver", a.Config.Database.Driver).
		Strs("currencies", a.Config.Upstream.IDs).
		Str("addr", a.Config.Server.Addr).
		Msg("starting price tracker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("price tracker terminated with error")
		return err
	}

	a.Logger.Info().Msg("price tracker stopped")
	return nil
}

// Fetch runs a single fetch cycle and exits.
func (a *App) Fetch(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.newService(store).FetchOnce(ctx)
}

// Migrate creates the observation schema and reports the row count.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Int64("observations", count).Msg("schema ready")
	return nil
}

// ExportOptions hold parameters for exporting stored observations.
type ExportOptions struct {
	CurrencyIDs []string
	From        *time.Time
	To          *time.Time
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// CompareOptions configure the compare command.
type CompareOptions struct {
	CurrencyID string
	StartDate  string
	EndDate    string
}

// BackfillOptions configure the history import.
type BackfillOptions struct {
	CurrencyIDs []string
	From        time.Time
	To          time.Time
	DryRun      bool
}
