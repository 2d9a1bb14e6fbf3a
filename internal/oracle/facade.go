package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"perp-executor/internal/alerting"
)

// Facade queries a primary and optional secondary provider and returns one
// validated quote. The primary is the pricing authority; the secondary is a
// cross-feed sanity check and a failover target.
type Facade struct {
	primary   PriceProvider
	secondary PriceProvider
	notifier  alerting.Notifier
	logger    zerolog.Logger

	// last accepted quote per symbol, diagnostics only. Never consulted for
	// validation decisions.
	lastMux    sync.RWMutex
	lastQuotes map[string]ValidatedQuote
}

// NewFacade wires the providers. secondary and notifier may be nil.
func NewFacade(primary, secondary PriceProvider, notifier alerting.Notifier, logger zerolog.Logger) *Facade {
	return &Facade{
		primary:    primary,
		secondary:  secondary,
		notifier:   notifier,
		logger:     logger.With().Str("component", "oracle_facade").Logger(),
		lastQuotes: make(map[string]ValidatedQuote),
	}
}

// GetPrice returns a fresh, deviation-bounded quote for symbol.
//
// When both providers answer, freshness is enforced on the primary quote only:
// the secondary exists to bound disagreement, not to be independently fresh.
// Each provider still applies maxAgeSeconds to its own feed before answering,
// but a hardening pass should weigh whether the facade ought to enforce the
// secondary's freshness here as well.
func (f *Facade) GetPrice(ctx context.Context, symbol string, maxAgeSeconds int, maxDeviationBps int64) (ValidatedQuote, error) {
	sym := NormalizeSymbol(symbol)
	now := time.Now().UTC()

	if f.secondary == nil {
		primary, err := f.primary.GetPrice(ctx, sym, maxAgeSeconds, maxDeviationBps)
		if err != nil {
			return ValidatedQuote{}, err
		}
		return f.accept(ValidatedQuote{
			Price:            primary,
			FreshnessSeconds: primary.AgeSeconds(now),
		}), nil
	}

	// Both calls are issued together and joined: deviation needs both results,
	// so no speculative early return while both are outstanding.
	var (
		p1, p2     Price
		err1, err2 error
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		p1, err1 = f.primary.GetPrice(ctx, sym, maxAgeSeconds, maxDeviationBps)
		return nil
	})
	g.Go(func() error {
		p2, err2 = f.secondary.GetPrice(ctx, sym, maxAgeSeconds, maxDeviationBps)
		return nil
	})
	_ = g.Wait()

	switch {
	case err1 != nil && err2 != nil:
		err := combineFailures(sym, err1, err2)
		f.notifyPricing(ctx, sym, err)
		return ValidatedQuote{}, err

	case err1 != nil:
		// Failover: nothing to compare against, so no deviation check.
		f.logger.Warn().Err(err1).Str("symbol", sym).
			Str("fallback", string(p2.Source)).
			Msg("primary provider failed, serving secondary quote")
		return f.accept(ValidatedQuote{
			Price:            p2,
			FreshnessSeconds: p2.AgeSeconds(now),
		}), nil

	case err2 != nil:
		f.logger.Debug().Err(err2).Str("symbol", sym).Msg("secondary provider failed, serving primary alone")
		return f.accept(ValidatedQuote{
			Price:            p1,
			FreshnessSeconds: p1.AgeSeconds(now),
		}), nil
	}

	freshness := p1.AgeSeconds(now)
	if maxAgeSeconds > 0 && freshness > int64(maxAgeSeconds) {
		return ValidatedQuote{}, fmt.Errorf("%w: %s primary quote is %ds old (max %ds)", ErrStalePrice, sym, freshness, maxAgeSeconds)
	}

	deviation := DeviationBps(p1.Price, p2.Price)
	if deviation > maxDeviationBps {
		err := fmt.Errorf("%w: %s feeds disagree by %d bps (max %d): %s=%s %s=%s",
			ErrExcessiveDeviation, sym, deviation, maxDeviationBps,
			p1.Source, p1.Decimal().String(), p2.Source, p2.Decimal().String())
		f.notifyPricing(ctx, sym, err)
		return ValidatedQuote{}, err
	}

	return f.accept(ValidatedQuote{
		Price:                 p1,
		FreshnessSeconds:      freshness,
		CrossFeedDeviationBps: deviation,
	}), nil
}

// LastQuote returns the most recent accepted quote for symbol, if any.
func (f *Facade) LastQuote(symbol string) (ValidatedQuote, bool) {
	f.lastMux.RLock()
	defer f.lastMux.RUnlock()
	q, ok := f.lastQuotes[NormalizeSymbol(symbol)]
	return q, ok
}

// notifyPricing raises an operational alert when pricing fails hard: both
// providers down, or the feeds disagreeing past the cap. Best effort only.
func (f *Facade) notifyPricing(ctx context.Context, symbol string, cause error) {
	if f.notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:    alerting.KindPricing,
		Symbol:  symbol,
		Message: cause.Error(),
		At:      time.Now().UTC(),
	}
	if err := f.notifier.Notify(ctx, note); err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to deliver pricing alert")
	}
}

func (f *Facade) accept(q ValidatedQuote) ValidatedQuote {
	f.lastMux.Lock()
	f.lastQuotes[q.Symbol] = q
	f.lastMux.Unlock()
	return q
}

// combineFailures surfaces a validation error over a transport error when
// either side raised one.
func combineFailures(symbol string, err1, err2 error) error {
	if IsValidationError(err1) {
		return fmt.Errorf("%s: primary: %w (secondary: %v)", symbol, err1, err2)
	}
	if IsValidationError(err2) {
		return fmt.Errorf("%s: secondary: %w (primary: %v)", symbol, err2, err1)
	}
	return fmt.Errorf("%w: %s: primary: %v; secondary: %v", ErrProviderUnavailable, symbol, err1, err2)
}
