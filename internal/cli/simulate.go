package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateCurrency string
	simulatePrice    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一个价格并走一遍告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCurrency == "" {
			return errors.New("--currency is required")
		}
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateCurrency, simulatePrice)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "Currency id, e.g. bitcoin")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟价格（计价货币单位）")
}
