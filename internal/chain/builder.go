package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// TxParams is a fully-specified unsigned transaction, fees and nonce excluded.
type TxParams struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// GasEstimator is the chain-state subset the builder needs.
type GasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// BuilderOptions tune gas estimation.
type BuilderOptions struct {
	// GasBufferPct is added on top of the node's estimate.
	GasBufferPct int
}

// Builder assembles transaction parameters from a caller's intent.
type Builder struct {
	client GasEstimator
	opts   BuilderOptions
	logger zerolog.Logger
}

// NewBuilder constructs a transaction builder.
func NewBuilder(client GasEstimator, opts BuilderOptions, logger zerolog.Logger) *Builder {
	return &Builder{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "tx_builder").Logger(),
	}
}

// Build produces TxParams for a call from `from` to `to`. A positive
// gasLimitHint overrides estimation entirely.
func (b *Builder) Build(ctx context.Context, from, to common.Address, value *big.Int, data []byte, gasLimitHint uint64) (TxParams, error) {
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := gasLimitHint
	if gasLimit == 0 {
		estimate, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return TxParams{}, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = estimate + estimate*uint64(b.opts.GasBufferPct)/100
		b.logger.Debug().Uint64("estimate", estimate).Uint64("gas_limit", gasLimit).Msg("gas estimated")
	}

	return TxParams{
		To:       to,
		Value:    value,
		Data:     data,
		GasLimit: gasLimit,
	}, nil
}

// NewDynamicFeeTx assembles an unsigned EIP-1559 transaction from params.
func NewDynamicFeeTx(chainID *big.Int, nonce uint64, params TxParams, fees FeeQuote) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       params.GasLimit,
		To:        &params.To,
		Value:     params.Value,
		Data:      params.Data,
	})
}
