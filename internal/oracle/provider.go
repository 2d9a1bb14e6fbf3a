package oracle

import "context"

// PriceProvider retrieves one provider's view of a symbol's price.
//
// Implementations map the canonical symbol to their own identifier space,
// convert their native representation to the 1e8 fixed-point scale, and reject
// observations that are stale or whose own confidence interval exceeds
// maxDeviationBps. They never substitute a default price.
type PriceProvider interface {
	Name() Source
	GetPrice(ctx context.Context, symbol string, maxAgeSeconds int, maxDeviationBps int64) (Price, error)
}
