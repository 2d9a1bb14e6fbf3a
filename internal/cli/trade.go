package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"perp-executor/internal/app"
)

var (
	openSymbol     string
	openSide       string
	openCollateral string
	openLeverage   int
	openIntentKey  string

	closeSymbol    string
	closeSide      string
	closeSize      string
	closeIntentKey string
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a leveraged position",
	RunE: func(cmd *cobra.Command, args []string) error {
		long, err := parseSide(openSide)
		if err != nil {
			return err
		}
		collateral, err := decimal.NewFromString(openCollateral)
		if err != nil {
			return fmt.Errorf("invalid --collateral value: %w", err)
		}

		return getApp().Open(cmd.Context(), app.OpenOptions{
			Symbol:        openSymbol,
			Long:          long,
			CollateralUSD: collateral,
			Leverage:      openLeverage,
			IntentKey:     openIntentKey,
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close (part of) a position",
	RunE: func(cmd *cobra.Command, args []string) error {
		long, err := parseSide(closeSide)
		if err != nil {
			return err
		}
		size, err := decimal.NewFromString(closeSize)
		if err != nil {
			return fmt.Errorf("invalid --size value: %w", err)
		}

		return getApp().Close(cmd.Context(), app.CloseOptions{
			Symbol:    closeSymbol,
			Long:      long,
			SizeUSD:   size,
			IntentKey: closeIntentKey,
		})
	},
}

func parseSide(side string) (bool, error) {
	switch side {
	case "long":
		return true, nil
	case "short":
		return false, nil
	default:
		return false, fmt.Errorf("--side must be long or short, got %q", side)
	}
}

func init() {
	openCmd.Flags().StringVar(&openSymbol, "symbol", "", "Market symbol, e.g. BTC")
	openCmd.Flags().StringVar(&openSide, "side", "long", "Position side: long or short")
	openCmd.Flags().StringVar(&openCollateral, "collateral", "", "Collateral in USD")
	openCmd.Flags().IntVar(&openLeverage, "leverage", 1, "Position leverage")
	openCmd.Flags().StringVar(&openIntentKey, "intent-key", "", "Idempotency key; reuse to retry safely")
	_ = openCmd.MarkFlagRequired("symbol")
	_ = openCmd.MarkFlagRequired("collateral")

	closeCmd.Flags().StringVar(&closeSymbol, "symbol", "", "Market symbol, e.g. BTC")
	closeCmd.Flags().StringVar(&closeSide, "side", "long", "Side of the position being closed")
	closeCmd.Flags().StringVar(&closeSize, "size", "", "Size to close in USD")
	closeCmd.Flags().StringVar(&closeIntentKey, "intent-key", "", "Idempotency key; reuse to retry safely")
	_ = closeCmd.MarkFlagRequired("symbol")
	_ = closeCmd.MarkFlagRequired("size")
}
