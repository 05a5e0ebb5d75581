package app

import (
	"context"
	"errors"
	"time"

	"cryptotracker/internal/storage"
)

// SimulateAlert 用给定价格模拟一次告警评估，不写入数据库。
func (a *App) SimulateAlert(ctx context.Context, currencyID string, price float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	if currencyID == "" {
		return errors.New("currency is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	monitor, err := a.newMonitor(store)
	if err != nil {
		return err
	}

	obs := storage.Observation{CurrencyID: currencyID, Price: price, Timestamp: time.Now().UTC()}
	sent := monitor.Evaluate(ctx, []storage.Observation{obs})
	a.Logger.Info().Str("currency", currencyID).Float64("price", price).Int("alerts", sent).Msg("simulated alert evaluation")
	if sent == 0 {
		return errors.New("no alert triggered; price is within threshold or history is missing")
	}
	return nil
}
