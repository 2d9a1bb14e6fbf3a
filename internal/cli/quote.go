package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"perp-executor/internal/app"
)

var quoteSymbol string

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Fetch a validated price quote",
	RunE: func(cmd *cobra.Command, args []string) error {
		if quoteSymbol == "" {
			return fmt.Errorf("--symbol is required")
		}
		return getApp().Quote(cmd.Context(), app.QuoteOptions{Symbol: quoteSymbol})
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteSymbol, "symbol", "", "Market symbol, e.g. BTC or ETH-PERP")
}
