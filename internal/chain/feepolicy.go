package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var weiPerGwei = big.NewInt(1_000_000_000)

// FeeQuote is a fully-specified EIP-1559 fee pair.
type FeeQuote struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeReader is the chain-state subset the fee policy needs.
type FeeReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// FeePolicyOptions bound the quoted and escalated fees.
type FeePolicyOptions struct {
	MaxFeePerGasGwei         int64
	MaxPriorityFeePerGasGwei int64
	BumpMultiplier           float64
}

// FeePolicy quotes fees from current chain state with a hard cap, and bumps
// prior quotes for replace-by-fee escalation.
type FeePolicy struct {
	client FeeReader
	logger zerolog.Logger

	maxFee *big.Int
	maxTip *big.Int
	bump   decimal.Decimal
}

// NewFeePolicy constructs a fee policy.
func NewFeePolicy(client FeeReader, opts FeePolicyOptions, logger zerolog.Logger) *FeePolicy {
	bump := decimal.NewFromFloat(opts.BumpMultiplier)
	if bump.LessThanOrEqual(decimal.NewFromInt(1)) {
		bump = decimal.NewFromFloat(1.25)
	}
	return &FeePolicy{
		client: client,
		logger: logger.With().Str("component", "fee_policy").Logger(),
		maxFee: new(big.Int).Mul(big.NewInt(opts.MaxFeePerGasGwei), weiPerGwei),
		maxTip: new(big.Int).Mul(big.NewInt(opts.MaxPriorityFeePerGasGwei), weiPerGwei),
		bump:   bump,
	}
}

// Quote computes a fee pair from the latest base fee and the node's tip
// suggestion: maxFee = 2*baseFee + tip, clamped to the configured ceiling.
func (f *FeePolicy) Quote(ctx context.Context) (FeeQuote, error) {
	head, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("fetch head: %w", err)
	}
	if head.BaseFee == nil {
		return FeeQuote{}, fmt.Errorf("chain head carries no base fee; legacy chains are unsupported")
	}

	tip, err := f.client.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	if f.maxTip.Sign() > 0 && tip.Cmp(f.maxTip) > 0 {
		tip = new(big.Int).Set(f.maxTip)
	}

	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)

	return f.clamp(FeeQuote{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}), nil
}

// Bump escalates a prior quote for replace-by-fee: each component becomes
// floor(previous * bumpMultiplier), clamped to the ceiling. The result never
// decreases, so replacement chains are fee-monotonic.
func (f *FeePolicy) Bump(prev FeeQuote) FeeQuote {
	return f.clamp(FeeQuote{
		MaxFeePerGas:         bumpWei(prev.MaxFeePerGas, f.bump),
		MaxPriorityFeePerGas: bumpWei(prev.MaxPriorityFeePerGas, f.bump),
	})
}

// Ceiling reports the configured max fee per gas in wei.
func (f *FeePolicy) Ceiling() *big.Int {
	return new(big.Int).Set(f.maxFee)
}

func (f *FeePolicy) clamp(q FeeQuote) FeeQuote {
	if f.maxFee.Sign() > 0 && q.MaxFeePerGas.Cmp(f.maxFee) > 0 {
		f.logger.Warn().
			Str("quoted", q.MaxFeePerGas.String()).
			Str("ceiling", f.maxFee.String()).
			Msg("fee quote clamped to ceiling")
		q.MaxFeePerGas = new(big.Int).Set(f.maxFee)
	}
	if q.MaxPriorityFeePerGas.Cmp(q.MaxFeePerGas) > 0 {
		q.MaxPriorityFeePerGas = new(big.Int).Set(q.MaxFeePerGas)
	}
	return q
}

func bumpWei(prev *big.Int, multiplier decimal.Decimal) *big.Int {
	if prev == nil {
		return new(big.Int)
	}
	bumped := decimal.NewFromBigInt(prev, 0).Mul(multiplier).Floor()
	return bumped.BigInt()
}
