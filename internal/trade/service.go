package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-executor/internal/executor"
	"perp-executor/internal/oracle"
	"perp-executor/internal/txstore"
)

// perpRouterABIJSON covers the router entrypoints the engine calls. USD
// amounts and prices are 1e8 fixed point on the contract side too.
const perpRouterABIJSON = `[
    {
        "name": "openPosition",
        "type": "function",
        "stateMutability": "nonpayable",
        "inputs": [
            {"name": "market", "type": "bytes32"},
            {"name": "isLong", "type": "bool"},
            {"name": "sizeUsd", "type": "uint256"},
            {"name": "collateralUsd", "type": "uint256"},
            {"name": "acceptablePrice", "type": "uint256"}
        ],
        "outputs": []
    },
    {
        "name": "closePosition",
        "type": "function",
        "stateMutability": "nonpayable",
        "inputs": [
            {"name": "market", "type": "bytes32"},
            {"name": "isLong", "type": "bool"},
            {"name": "sizeUsd", "type": "uint256"},
            {"name": "acceptablePrice", "type": "uint256"}
        ],
        "outputs": []
    }
]`

var perpRouterABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(perpRouterABIJSON))
	if err != nil {
		panic(fmt.Sprintf("failed to parse perp router ABI: %v", err))
	}
	perpRouterABI = parsed
}

type priceSource interface {
	GetPrice(ctx context.Context, symbol string, maxAgeSeconds int, maxDeviationBps int64) (oracle.ValidatedQuote, error)
}

type txExecutor interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
}

type sampleRecorder interface {
	InsertPriceSample(ctx context.Context, sample txstore.PriceSample) error
}

// Options bound sizing and pricing for every trade.
type Options struct {
	Router          common.Address
	MaxAgeSeconds   int
	MaxDeviationBps int64
	MinPositionUSD  decimal.Decimal
	MaxLeverage     int
	SlippageBps     int64
}

// OpenParams describes one position-opening request. IntentKey is optional:
// callers that retry must pass their own, otherwise a fresh one is generated
// and the request is treated as new.
type OpenParams struct {
	IntentKey     string
	Symbol        string
	Long          bool
	CollateralUSD decimal.Decimal
	Leverage      int
}

// CloseParams describes one position-closing request.
type CloseParams struct {
	IntentKey string
	Symbol    string
	Long      bool
	SizeUSD   decimal.Decimal
}

// Service sizes perp positions against the validated oracle quote and pushes
// the resulting router calls through the transaction pipeline.
type Service struct {
	prices  priceSource
	exec    txExecutor
	samples sampleRecorder
	opts    Options
	logger  zerolog.Logger
}

// NewService wires the trading engine. samples may be nil to skip the audit trail.
func NewService(prices priceSource, exec txExecutor, samples sampleRecorder, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		prices:  prices,
		exec:    exec,
		samples: samples,
		opts:    opts,
		logger:  logger.With().Str("component", "trade_service").Logger(),
	}
}

// OpenPosition opens a leveraged position sized from the current validated
// quote and returns the pipeline's terminal result.
func (s *Service) OpenPosition(ctx context.Context, p OpenParams) (executor.Result, error) {
	if p.Leverage < 1 || p.Leverage > s.opts.MaxLeverage {
		return executor.Result{}, fmt.Errorf("leverage %d outside 1..%d", p.Leverage, s.opts.MaxLeverage)
	}
	if p.CollateralUSD.Sign() <= 0 {
		return executor.Result{}, fmt.Errorf("collateral must be positive, got %s", p.CollateralUSD)
	}

	sym := oracle.NormalizeSymbol(p.Symbol)
	quote, err := s.prices.GetPrice(ctx, sym, s.opts.MaxAgeSeconds, s.opts.MaxDeviationBps)
	if err != nil {
		return executor.Result{}, fmt.Errorf("quote %s: %w", sym, err)
	}
	s.recordSample(ctx, quote)

	sizeUSD := p.CollateralUSD.Mul(decimal.NewFromInt(int64(p.Leverage)))
	if sizeUSD.LessThan(s.opts.MinPositionUSD) {
		return executor.Result{}, fmt.Errorf("position size %s USD below minimum %s", sizeUSD, s.opts.MinPositionUSD)
	}

	acceptable := acceptablePrice(quote.Decimal(), p.Long, s.opts.SlippageBps)
	data, err := perpRouterABI.Pack("openPosition",
		marketID(sym),
		p.Long,
		usdUnits(sizeUSD),
		usdUnits(p.CollateralUSD),
		usdUnits(acceptable),
	)
	if err != nil {
		return executor.Result{}, fmt.Errorf("pack openPosition: %w", err)
	}

	key := p.IntentKey
	if key == "" {
		key = fmt.Sprintf("open:%s:%s", strings.ToLower(sym), uuid.NewString())
	}
	metadata, _ := json.Marshal(map[string]any{
		"action":      "open",
		"symbol":      sym,
		"long":        p.Long,
		"size_usd":    sizeUSD.String(),
		"collateral":  p.CollateralUSD.String(),
		"leverage":    p.Leverage,
		"quote_price": quote.Decimal().String(),
		"quote_src":   string(quote.Source),
	})

	s.logger.Info().Str("symbol", sym).Bool("long", p.Long).
		Str("size_usd", sizeUSD.String()).
		Str("quote", quote.Decimal().String()).
		Str("acceptable", acceptable.String()).
		Str("intent_key", key).
		Msg("opening position")

	return s.exec.Execute(ctx, executor.Request{
		IntentKey: key,
		To:        s.opts.Router,
		Payload:   data,
		Value:     new(big.Int),
		Metadata:  metadata,
	})
}

// ClosePosition closes (part of) an existing position at the current quote.
func (s *Service) ClosePosition(ctx context.Context, p CloseParams) (executor.Result, error) {
	if p.SizeUSD.Sign() <= 0 {
		return executor.Result{}, fmt.Errorf("close size must be positive, got %s", p.SizeUSD)
	}

	sym := oracle.NormalizeSymbol(p.Symbol)
	quote, err := s.prices.GetPrice(ctx, sym, s.opts.MaxAgeSeconds, s.opts.MaxDeviationBps)
	if err != nil {
		return executor.Result{}, fmt.Errorf("quote %s: %w", sym, err)
	}
	s.recordSample(ctx, quote)

	// Closing a long sells, so slippage bounds the price from below; closing
	// a short is the mirror image.
	acceptable := acceptablePrice(quote.Decimal(), !p.Long, s.opts.SlippageBps)
	data, err := perpRouterABI.Pack("closePosition",
		marketID(sym),
		p.Long,
		usdUnits(p.SizeUSD),
		usdUnits(acceptable),
	)
	if err != nil {
		return executor.Result{}, fmt.Errorf("pack closePosition: %w", err)
	}

	key := p.IntentKey
	if key == "" {
		key = fmt.Sprintf("close:%s:%s", strings.ToLower(sym), uuid.NewString())
	}
	metadata, _ := json.Marshal(map[string]any{
		"action":      "close",
		"symbol":      sym,
		"long":        p.Long,
		"size_usd":    p.SizeUSD.String(),
		"quote_price": quote.Decimal().String(),
		"quote_src":   string(quote.Source),
	})

	s.logger.Info().Str("symbol", sym).Bool("long", p.Long).
		Str("size_usd", p.SizeUSD.String()).
		Str("acceptable", acceptable.String()).
		Str("intent_key", key).
		Msg("closing position")

	return s.exec.Execute(ctx, executor.Request{
		IntentKey: key,
		To:        s.opts.Router,
		Payload:   data,
		Value:     new(big.Int),
		Metadata:  metadata,
	})
}

func (s *Service) recordSample(ctx context.Context, quote oracle.ValidatedQuote) {
	if s.samples == nil {
		return
	}
	sample := txstore.PriceSample{
		Symbol:           quote.Symbol,
		Price:            quote.Decimal(),
		Source:           string(quote.Source),
		DeviationBps:     quote.CrossFeedDeviationBps,
		FreshnessSeconds: quote.FreshnessSeconds,
		ObservedAt:       time.Unix(quote.ObservedAt, 0).UTC(),
	}
	if err := s.samples.InsertPriceSample(ctx, sample); err != nil {
		s.logger.Warn().Err(err).Str("symbol", quote.Symbol).Msg("failed to record price sample")
	}
}

// acceptablePrice applies slippage tolerance in the direction that hurts the
// taker: buys bound the price from above, sells from below.
func acceptablePrice(price decimal.Decimal, buying bool, slippageBps int64) decimal.Decimal {
	slip := decimal.New(slippageBps, -4)
	if buying {
		return price.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(slip))
}

// usdUnits converts a USD decimal into the contract's 1e8 fixed-point units,
// truncating excess precision.
func usdUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(oracle.PriceDecimals).Truncate(0).BigInt()
}

// marketID derives the router's market identifier from the ticker.
func marketID(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(symbol))
}
