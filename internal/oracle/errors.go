package oracle

import "errors"

var (
	// ErrUnsupportedSymbol indicates a symbol the provider has no mapping for.
	ErrUnsupportedSymbol = errors.New("oracle: unsupported symbol")
	// ErrStalePrice indicates the provider-reported timestamp fell outside the freshness window.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrExcessiveDeviation indicates cross-feed disagreement or provider over-confidence beyond the bps bound.
	ErrExcessiveDeviation = errors.New("oracle: excessive deviation")
	// ErrProviderUnavailable indicates an upstream transport or decoding failure.
	ErrProviderUnavailable = errors.New("oracle: provider unavailable")
)

// IsValidationError reports whether err is a pricing validation failure rather
// than a transport problem. Validation failures are never downgraded by the
// facade; transport failures can be recovered by failover.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrStalePrice) ||
		errors.Is(err, ErrExcessiveDeviation) ||
		errors.Is(err, ErrUnsupportedSymbol)
}
