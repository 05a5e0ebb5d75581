package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"cryptotracker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the observation store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	Timezone        string        `mapstructure:"timezone"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

// Location resolves the timezone calendar-date filters are evaluated in.
func (d DatabaseConfig) Location() (*time.Location, error) {
	if d.Timezone == "" || strings.EqualFold(d.Timezone, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("database.timezone: %w", err)
	}
	return loc, nil
}

// SchedulerConfig governs the polling cadence.
type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Cron           string        `mapstructure:"cron"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	RunImmediately bool          `mapstructure:"run_immediately"`
	// AdvisoryLockKey, when non-zero, makes each fetch cycle take a Postgres
	// advisory lock so only one instance writes per cycle.
	AdvisoryLockKey int64 `mapstructure:"advisory_lock_key"`
}

// UpstreamConfig covers the CoinGecko client and its rate-limit policy.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	VsCurrency        string        `mapstructure:"vs_currency"`
	IDs               []string      `mapstructure:"ids"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// ServerConfig tunes the HTTP read API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RecentLimit     int           `mapstructure:"recent_limit"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

// AlertingConfig defines price-move alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	WindowDays   int            `mapstructure:"window_days"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// DefaultTrackedIDs is the tracked set polled when upstream.ids is unset.
var DefaultTrackedIDs = []string{
	"bitcoin", "ethereum", "dogecoin", "litecoin", "polkadot",
	"binancecoin", "solana", "cardano", "ripple", "uniswap",
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CRYPTOTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cryptotracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "crypto_data.db")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.busy_timeout", "5s")

	v.SetDefault("scheduler.interval", "300s")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.advisory_lock_key", 0)

	v.SetDefault("upstream.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("upstream.vs_currency", "inr")
	v.SetDefault("upstream.ids", DefaultTrackedIDs)
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.user_agent", "")
	v.SetDefault("upstream.requests_per_minute", 10.0)
	v.SetDefault("upstream.initial_backoff", "1s")
	v.SetDefault("upstream.max_backoff", "5m")
	v.SetDefault("upstream.max_retries", 10)

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.recent_limit", 10)
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 5.0)
	v.SetDefault("alerting.window_days", 7)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// normalize lowercases identifiers and drops blank tracked ids.
func (c *Config) normalize() {
	c.Upstream.VsCurrency = strings.ToLower(strings.TrimSpace(c.Upstream.VsCurrency))
	ids := make([]string, 0, len(c.Upstream.IDs))
	seen := make(map[string]struct{}, len(c.Upstream.IDs))
	for _, id := range c.Upstream.IDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	c.Upstream.IDs = ids
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Cron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("scheduler.cron: %w", err)
		}
	} else if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Upstream.IDs) == 0 {
		return fmt.Errorf("upstream.ids must name at least one currency")
	}
	if c.Upstream.VsCurrency == "" {
		return fmt.Errorf("upstream.vs_currency is required")
	}
	if c.Upstream.InitialBackoff <= 0 {
		return fmt.Errorf("upstream.initial_backoff must be greater than zero")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries cannot be negative")
	}
	if c.Server.RecentLimit <= 0 {
		return fmt.Errorf("server.recent_limit must be greater than zero")
	}
	if _, err := c.Database.Location(); err != nil {
		return err
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Enabled && c.Alerting.WindowDays <= 0 {
		return fmt.Errorf("alerting.window_days must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// Overrides replace loaded settings from the command line. Empty fields keep
// the configured value.
type Overrides struct {
	Driver     string
	DBPath     string
	Currencies []string
	VsCurrency string
}

// Apply merges o into the configuration and validates the result.
func (c *Config) Apply(o Overrides) error {
	if o.Driver != "" {
		c.Database.Driver = strings.ToLower(strings.TrimSpace(o.Driver))
	}
	if o.DBPath != "" {
		c.Database.Path = o.DBPath
	}
	if len(o.Currencies) > 0 {
		c.Upstream.IDs = append([]string(nil), o.Currencies...)
	}
	if o.VsCurrency != "" {
		c.Upstream.VsCurrency = o.VsCurrency
	}
	c.normalize()
	return c.Validate()
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
