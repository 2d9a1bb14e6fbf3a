package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"perp-executor/internal/executor"
	"perp-executor/internal/trade"
)

// Quote fetches one validated quote and prints it.
func (a *App) Quote(ctx context.Context, opts QuoteOptions) error {
	facade, err := a.newFacade()
	if err != nil {
		return err
	}

	quote, err := facade.GetPrice(ctx, opts.Symbol, a.Config.Oracle.MaxAgeSeconds, a.Config.Oracle.MaxDeviationBps)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tPrice\tSource\tAge(s)\tDeviation(bps)")
	fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\n",
		quote.Symbol,
		quote.Decimal().String(),
		quote.Source,
		quote.FreshnessSeconds,
		quote.CrossFeedDeviationBps,
	)
	return writer.Flush()
}

// Open drives one position-opening intent to a terminal state.
func (a *App) Open(ctx context.Context, opts OpenOptions) error {
	return a.withTradeService(ctx, func(svc *trade.Service) (executor.Result, error) {
		return svc.OpenPosition(ctx, trade.OpenParams{
			IntentKey:     opts.IntentKey,
			Symbol:        opts.Symbol,
			Long:          opts.Long,
			CollateralUSD: opts.CollateralUSD,
			Leverage:      opts.Leverage,
		})
	})
}

// Close drives one position-closing intent to a terminal state.
func (a *App) Close(ctx context.Context, opts CloseOptions) error {
	return a.withTradeService(ctx, func(svc *trade.Service) (executor.Result, error) {
		return svc.ClosePosition(ctx, trade.CloseParams{
			IntentKey: opts.IntentKey,
			Symbol:    opts.Symbol,
			Long:      opts.Long,
			SizeUSD:   opts.SizeUSD,
		})
	})
}

// withTradeService stands up the full pipeline, runs one trade, and reports
// the terminal result on stdout.
func (a *App) withTradeService(ctx context.Context, run func(svc *trade.Service) (executor.Result, error)) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; trading needs persistence")
	}
	defer closeStore()

	orch, _, closePipeline, err := a.newPipeline(store)
	if err != nil {
		return err
	}
	defer closePipeline()

	facade, err := a.newFacade()
	if err != nil {
		return err
	}
	svc, err := a.newTradeService(facade, orch, store)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := run(svc)
	if err != nil {
		if result.TxHash != "" {
			fmt.Fprintf(os.Stdout, "intent %s ended %s (tx %s): %v\n", result.IntentKey, result.Status, result.TxHash, err)
		}
		return err
	}

	fmt.Fprintf(os.Stdout, "intent %s %s tx %s (%s)\n",
		result.IntentKey, result.Status, result.TxHash, time.Since(start).Round(time.Millisecond))
	return nil
}
