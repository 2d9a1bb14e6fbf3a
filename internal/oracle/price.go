package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point scale shared by every provider: all prices
// are integers carrying eight decimal places.
const PriceDecimals = 8

// Source identifies the provider a price came from.
type Source string

const (
	SourcePyth      Source = "pyth"
	SourceChainlink Source = "chainlink"
)

// Price is an immutable single-provider observation.
type Price struct {
	Symbol     string
	Price      int64 // 1e8 fixed point
	ConfBps    int64 // provider-reported confidence interval, basis points of the price
	ObservedAt int64 // provider-reported unix seconds, not receipt time
	Source     Source
}

// Decimal renders the fixed-point price as an exact decimal.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Price, -PriceDecimals)
}

// AgeSeconds is the observation age relative to now.
func (p Price) AgeSeconds(now time.Time) int64 {
	return now.Unix() - p.ObservedAt
}

// ValidatedQuote is the facade's output: one chosen price plus the freshness
// and cross-feed deviation that were in force when it was accepted.
type ValidatedQuote struct {
	Price
	FreshnessSeconds      int64
	CrossFeedDeviationBps int64 // 0 when only one provider answered
}

// NormalizeSymbol maps caller spellings onto the canonical base ticker:
// "btc", "BTC-USD", "BTC/USD" and "BTC-PERP" all normalise to "BTC".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range []string{"-PERP", "-USD", "/USD", "USDT"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// DeviationBps computes |p1-p2| / p1 in basis points, with p1 substituted by 1
// when zero so the division is always defined. Pure integer arithmetic.
func DeviationBps(p1, p2 int64) int64 {
	denom := p1
	if denom == 0 {
		denom = 1
	}
	diff := new(big.Int).Sub(big.NewInt(p1), big.NewInt(p2))
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10000))
	diff.Quo(diff, big.NewInt(denom))
	return diff.Int64()
}

// FixedFromBigInt rescales an integer carrying the given number of decimals to
// the shared 1e8 fixed-point representation, truncating excess precision.
// Floating point is never involved.
func FixedFromBigInt(value *big.Int, decimals int32) (int64, error) {
	if value == nil {
		return 0, fmt.Errorf("nil price value")
	}
	scaled := new(big.Int).Set(value)
	shift := int64(PriceDecimals) - int64(decimals)
	switch {
	case shift > 0:
		scaled.Mul(scaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	case shift < 0:
		scaled.Quo(scaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	}
	if !scaled.IsInt64() {
		return 0, fmt.Errorf("price %s (decimals=%d) overflows fixed-point range", value.String(), decimals)
	}
	return scaled.Int64(), nil
}

// confidenceBps converts an absolute confidence interval into basis points of
// the price itself.
func confidenceBps(conf, price *big.Int) int64 {
	if price == nil || price.Sign() == 0 || conf == nil {
		return 0
	}
	bps := new(big.Int).Mul(conf, big.NewInt(10000))
	bps.Quo(bps, new(big.Int).Abs(price))
	if !bps.IsInt64() {
		return int64(^uint64(0) >> 1)
	}
	return bps.Int64()
}
