package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cryptotracker/internal/app"
	"cryptotracker/internal/config"
	"cryptotracker/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	overrides config.Overrides
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "cryptotracker",
	Short: "Poll CoinGecko prices and serve history and comparisons",
	Long: `cryptotracker polls CoinGecko for the tracked currencies, appends every
quote to an SQLite or PostgreSQL price log and serves the history over HTTP.

Settings come from config.yaml, CRYPTOTRACKER_* environment variables and the
flags below, in increasing order of precedence.`,
	Example: `  cryptotracker run --currencies bitcoin,ethereum --vs-currency usd
  cryptotracker compare bitcoin --start 2024-01-01 --end 2024-01-31 --db ./prices.db`,
	SilenceUsage:      true,
	PersistentPreRunE: loadApp,
}

// loadApp builds the shared application handle once per process.
func loadApp(cmd *cobra.Command, args []string) error {
	if appHandle != nil {
		return nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Apply(overrides); err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	appHandle = app.NewApp(cfg, logging.NewLogger(cfg.Logging))
	appHandle.Out = cmd.OutOrStdout()
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	flags.StringVar(&overrides.Driver, "driver", "", "Storage backend: sqlite or postgres")
	flags.StringVar(&overrides.DBPath, "db", "", "SQLite database file")
	flags.StringSliceVar(&overrides.Currencies, "currencies", nil, "CoinGecko ids to track, comma separated")
	flags.StringVar(&overrides.VsCurrency, "vs-currency", "", "Quote currency, e.g. inr or usd")

	rootCmd.AddCommand(runCmd, fetchCmd, migrateCmd)
	rootCmd.AddCommand(showCmd, compareCmd, exportCmd)
	rootCmd.AddCommand(backfillCmd, simulateCmd, versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
