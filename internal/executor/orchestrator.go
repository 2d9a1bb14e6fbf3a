package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"perp-executor/internal/alerting"
	"perp-executor/internal/chain"
	"perp-executor/internal/nonce"
	"perp-executor/internal/txstore"
)

// broadcastClient is the chain surface the orchestrator needs.
type broadcastClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type feeQuoter interface {
	Quote(ctx context.Context) (chain.FeeQuote, error)
	Bump(prev chain.FeeQuote) chain.FeeQuote
}

type paramsBuilder interface {
	Build(ctx context.Context, from, to common.Address, value *big.Int, data []byte, gasLimitHint uint64) (chain.TxParams, error)
}

type nonceReserver interface {
	WithReservedNonce(ctx context.Context, signer common.Address, fn func(nonce uint64) error) error
}

// Request carries one caller intent. IntentKey must be globally unique per
// logical action; retries with the same key are safe no-ops.
type Request struct {
	IntentKey     string
	To            common.Address
	Payload       []byte
	Value         *big.Int
	GasLimitHint  uint64
	Confirmations uint64
	Metadata      json.RawMessage
}

// Result reports the broadcast chain's outcome for an intent.
type Result struct {
	IntentKey string
	TxHash    string
	Status    txstore.IntentStatus
}

// Options tune the state machine.
type Options struct {
	ChainID          int64
	MaxAttempts      int
	BroadcastRetries int
	PollInterval     time.Duration
	PollTimeout      time.Duration
	FinalPollTimeout time.Duration
	Confirmations    uint64
	IntentLockWait   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BroadcastRetries <= 0 {
		o.BroadcastRetries = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 45 * time.Second
	}
	if o.FinalPollTimeout <= 0 {
		o.FinalPollTimeout = 3 * time.Minute
	}
	if o.Confirmations == 0 {
		o.Confirmations = 1
	}
	if o.IntentLockWait <= 0 {
		o.IntentLockWait = 30 * time.Second
	}
	return o
}

// Orchestrator owns the CREATED→BUILT→SENT→{MINED|FAILED|REPLACED} machine.
// Every transition is persisted before the next side effect, so retries and
// process restarts never double-send.
type Orchestrator struct {
	store    txstore.IntentStore
	client   broadcastClient
	signer   chain.Signer
	fees     feeQuoter
	builder  paramsBuilder
	nonces   nonceReserver
	notifier alerting.Notifier
	logger   zerolog.Logger
	opts     Options
	chainID  *big.Int
}

// NewOrchestrator wires the transaction pipeline. notifier may be nil.
func NewOrchestrator(store txstore.IntentStore, client broadcastClient, signer chain.Signer, fees feeQuoter, builder paramsBuilder, nonces nonceReserver, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:    store,
		client:   client,
		signer:   signer,
		fees:     fees,
		builder:  builder,
		nonces:   nonces,
		notifier: notifier,
		logger:   logger.With().Str("component", "tx_orchestrator").Logger(),
		opts:     opts,
		chainID:  big.NewInt(opts.ChainID),
	}
}

// Execute drives req to a terminal state and returns the final hash.
//
// Concurrent calls with the same intent key serialise on the intent's
// advisory lock: exactly one caller runs the pipeline, the rest re-read the
// row after acquiring and observe the winner's result.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	if req.IntentKey == "" {
		return Result{}, fmt.Errorf("%w: intent key is required", ErrBuildFailure)
	}

	if err := o.store.EnsureIntent(ctx, req.IntentKey, req.Metadata); err != nil {
		return Result{}, fmt.Errorf("persist intent %s: %w", req.IntentKey, err)
	}

	var result Result
	err := o.store.WithIntentLock(ctx, req.IntentKey, o.opts.IntentLockWait, func() error {
		var lockedErr error
		result, lockedErr = o.executeLocked(ctx, req)
		return lockedErr
	})
	return result, err
}

func (o *Orchestrator) executeLocked(ctx context.Context, req Request) (Result, error) {
	intent, err := o.store.GetIntent(ctx, req.IntentKey)
	if err != nil {
		return Result{}, fmt.Errorf("load intent %s: %w", req.IntentKey, err)
	}

	logger := o.logger.With().Str("intent_key", intent.IntentKey).Logger()

	switch intent.Status {
	case txstore.StatusMined:
		send, err := o.store.LatestSend(ctx, intent.ID)
		if err != nil {
			return Result{}, fmt.Errorf("load sends for mined intent %s: %w", intent.IntentKey, err)
		}
		logger.Debug().Str("tx_hash", send.TxHash).Msg("intent already mined, returning prior result")
		return Result{IntentKey: intent.IntentKey, TxHash: send.TxHash, Status: txstore.StatusMined}, nil

	case txstore.StatusFailed:
		lastHash := ""
		if send, sendErr := o.store.LatestSend(ctx, intent.ID); sendErr == nil {
			lastHash = send.TxHash
		}
		return Result{IntentKey: intent.IntentKey, TxHash: lastHash, Status: txstore.StatusFailed},
			fmt.Errorf("%w: intent %s (last hash %s)", ErrTerminalFailure, intent.IntentKey, lastHash)

	case txstore.StatusSent, txstore.StatusReplaced:
		// A prior run broadcast this intent and stopped mid-poll (crash or
		// cancellation). Resume watching the existing chain, counting the
		// attempts already burned.
		sends, err := o.store.SendsForIntent(ctx, intent.ID)
		if err != nil {
			return Result{}, fmt.Errorf("load sends for in-flight intent %s: %w", intent.IntentKey, err)
		}
		if len(sends) == 0 {
			return Result{}, fmt.Errorf("intent %s is marked in-flight but has no recorded sends", intent.IntentKey)
		}
		logger.Info().Int("prior_sends", len(sends)).Msg("resuming in-flight intent")
		return o.watchAndEscalate(ctx, intent, req, len(sends))
	}

	// Fresh path: CREATED or a BUILT row left by a crash before broadcast.
	params, err := o.builder.Build(ctx, o.signer.Address(), req.To, req.Value, req.Payload, req.GasLimitHint)
	if err != nil {
		if stErr := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusFailed); stErr != nil {
			logger.Error().Err(stErr).Msg("failed to mark intent FAILED after build error")
		}
		return Result{IntentKey: intent.IntentKey, Status: txstore.StatusFailed},
			fmt.Errorf("%w: intent %s: %v", ErrBuildFailure, intent.IntentKey, err)
	}
	if err := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusBuilt); err != nil {
		return Result{}, fmt.Errorf("transition intent %s to BUILT: %w", intent.IntentKey, err)
	}

	if err := o.broadcastFirst(ctx, intent.ID, params, logger); err != nil {
		if stErr := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusFailed); stErr != nil {
			logger.Error().Err(stErr).Msg("failed to mark intent FAILED after broadcast error")
		}
		o.notifyFailure(ctx, intent.IntentKey, "", err)
		return Result{IntentKey: intent.IntentKey, Status: txstore.StatusFailed}, err
	}

	return o.watchAndEscalate(ctx, intent, req, 1)
}

// broadcastFirst performs the initial send under the per-signer nonce
// reservation. Lock timeouts are retried a bounded number of times.
func (o *Orchestrator) broadcastFirst(ctx context.Context, intentID int64, params chain.TxParams, logger zerolog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= o.opts.BroadcastRetries; attempt++ {
		lastErr = o.nonces.WithReservedNonce(ctx, o.signer.Address(), func(n uint64) error {
			fees, err := o.fees.Quote(ctx)
			if err != nil {
				return fmt.Errorf("quote fees: %w", err)
			}
			return o.signSendPersist(ctx, intentID, params, n, fees, logger)
		})
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, nonce.ErrLockTimeout) {
			break
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("nonce lock timed out, retrying")
	}
	return fmt.Errorf("%w: %v", ErrBroadcastFailure, lastErr)
}

// signSendPersist signs with the reserved nonce, broadcasts with bounded
// transient retries, then records the send and transitions to SENT.
func (o *Orchestrator) signSendPersist(ctx context.Context, intentID int64, params chain.TxParams, n uint64, fees chain.FeeQuote, logger zerolog.Logger) error {
	unsigned := chain.NewDynamicFeeTx(o.chainID, n, params, fees)
	signed, err := o.signer.SignTx(unsigned, o.chainID)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}

	var sendErr error
	for attempt := 0; attempt <= o.opts.BroadcastRetries; attempt++ {
		sendErr = o.client.SendTransaction(ctx, signed)
		if sendErr == nil {
			break
		}
		logger.Warn().Err(sendErr).Int("attempt", attempt+1).Msg("broadcast attempt failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if sendErr != nil {
		return fmt.Errorf("send tx: %w", sendErr)
	}

	hash := signed.Hash().Hex()
	if _, err := o.store.InsertSend(ctx, txstore.TxSend{
		IntentID:             intentID,
		ChainID:              o.opts.ChainID,
		Nonce:                n,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		GasLimit:             params.GasLimit,
		TxHash:               hash,
	}); err != nil {
		return fmt.Errorf("persist send %s: %w", hash, err)
	}
	if err := o.store.UpdateIntentStatus(ctx, intentID, txstore.StatusSent); err != nil {
		return fmt.Errorf("transition to SENT: %w", err)
	}

	logger.Info().Str("tx_hash", hash).Uint64("nonce", n).
		Str("max_fee_per_gas", fees.MaxFeePerGas.String()).
		Msg("transaction broadcast")
	return nil
}

// watchAndEscalate polls the newest send for a receipt, escalating with
// replace-by-fee on timeout until attempts are exhausted. Early attempts use
// the short poll window; the final attempt gets the long one.
func (o *Orchestrator) watchAndEscalate(ctx context.Context, intent txstore.TxIntent, req Request, attempt int) (Result, error) {
	logger := o.logger.With().Str("intent_key", intent.IntentKey).Logger()

	confirmations := req.Confirmations
	if confirmations == 0 {
		confirmations = o.opts.Confirmations
	}

	for ; ; attempt++ {
		send, err := o.store.LatestSend(ctx, intent.ID)
		if err != nil {
			return Result{}, fmt.Errorf("load latest send for %s: %w", intent.IntentKey, err)
		}

		window := o.opts.PollTimeout
		if attempt >= o.opts.MaxAttempts {
			window = o.opts.FinalPollTimeout
		}

		receipt, err := o.waitReceipt(ctx, common.HexToHash(send.TxHash), window, confirmations)
		if err == nil {
			return o.finalize(ctx, intent, send, receipt, logger)
		}
		if ctx.Err() != nil {
			// Leave the intent SENT/REPLACED; the reconciler or a retry with
			// the same key picks it back up.
			return Result{IntentKey: intent.IntentKey, TxHash: send.TxHash, Status: txstore.StatusSent}, ctx.Err()
		}

		if attempt >= o.opts.MaxAttempts {
			if stErr := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusFailed); stErr != nil {
				logger.Error().Err(stErr).Msg("failed to mark intent FAILED after exhausting attempts")
			}
			// The chain may still mine one of the sends later; the
			// reconciliation sweep owns that case from here.
			failure := fmt.Errorf("%w: intent %s after %d attempts (last hash %s): %w",
				ErrTerminalFailure, intent.IntentKey, attempt, send.TxHash, ErrReceiptTimeout)
			o.notifyFailure(ctx, intent.IntentKey, send.TxHash, failure)
			return Result{IntentKey: intent.IntentKey, TxHash: send.TxHash, Status: txstore.StatusFailed}, failure
		}

		if err := o.replace(ctx, intent, req, send, logger); err != nil {
			if stErr := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusFailed); stErr != nil {
				logger.Error().Err(stErr).Msg("failed to mark intent FAILED after replacement error")
			}
			o.notifyFailure(ctx, intent.IntentKey, send.TxHash, err)
			return Result{IntentKey: intent.IntentKey, TxHash: send.TxHash, Status: txstore.StatusFailed}, err
		}
	}
}

// replace broadcasts a same-nonce, fee-bumped successor for a stuck send.
func (o *Orchestrator) replace(ctx context.Context, intent txstore.TxIntent, req Request, prev txstore.TxSend, logger zerolog.Logger) error {
	bumped := o.fees.Bump(chain.FeeQuote{
		MaxFeePerGas:         prev.MaxFeePerGas,
		MaxPriorityFeePerGas: prev.MaxPriorityFeePerGas,
	})

	params := chain.TxParams{
		To:       req.To,
		Value:    req.Value,
		Data:     req.Payload,
		GasLimit: prev.GasLimit,
	}
	if params.Value == nil {
		params.Value = new(big.Int)
	}

	unsigned := chain.NewDynamicFeeTx(o.chainID, prev.Nonce, params, bumped)
	signed, err := o.signer.SignTx(unsigned, o.chainID)
	if err != nil {
		return fmt.Errorf("%w: sign replacement: %v", ErrBroadcastFailure, err)
	}

	var sendErr error
	for attempt := 0; attempt <= o.opts.BroadcastRetries; attempt++ {
		sendErr = o.client.SendTransaction(ctx, signed)
		if sendErr == nil {
			break
		}
		logger.Warn().Err(sendErr).Int("attempt", attempt+1).Msg("replacement broadcast failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if sendErr != nil {
		return fmt.Errorf("%w: replacement for %s: %v", ErrBroadcastFailure, prev.TxHash, sendErr)
	}

	newHash := signed.Hash().Hex()
	if err := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusReplaced); err != nil {
		return fmt.Errorf("transition to REPLACED: %w", err)
	}
	if err := o.store.MarkSendReplaced(ctx, prev.TxHash, newHash); err != nil {
		return fmt.Errorf("link replacement %s: %w", newHash, err)
	}
	if _, err := o.store.InsertSend(ctx, txstore.TxSend{
		IntentID:             intent.ID,
		ChainID:              o.opts.ChainID,
		Nonce:                prev.Nonce,
		MaxFeePerGas:         bumped.MaxFeePerGas,
		MaxPriorityFeePerGas: bumped.MaxPriorityFeePerGas,
		GasLimit:             prev.GasLimit,
		TxHash:               newHash,
	}); err != nil {
		return fmt.Errorf("persist replacement send %s: %w", newHash, err)
	}
	if err := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusSent); err != nil {
		return fmt.Errorf("transition replacement to SENT: %w", err)
	}

	logger.Info().
		Str("replaced", prev.TxHash).
		Str("tx_hash", newHash).
		Uint64("nonce", prev.Nonce).
		Str("max_fee_per_gas", bumped.MaxFeePerGas.String()).
		Msg("replacement transaction broadcast")
	return nil
}

// waitReceipt polls for a receipt within the window, honouring confirmations.
func (o *Orchestrator) waitReceipt(ctx context.Context, hash common.Hash, window time.Duration, confirmations uint64) (*types.Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := o.client.TransactionReceipt(pollCtx, hash)
		if err == nil && receipt != nil {
			if confirmations <= 1 {
				return receipt, nil
			}
			head, headErr := o.client.BlockNumber(pollCtx)
			if headErr == nil && head+1 >= receipt.BlockNumber.Uint64()+confirmations {
				return receipt, nil
			}
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, hash.Hex(), window)
		case <-ticker.C:
		}
	}
}

// finalize persists the receipt and settles the intent's terminal state.
func (o *Orchestrator) finalize(ctx context.Context, intent txstore.TxIntent, send txstore.TxSend, receipt *types.Receipt, logger zerolog.Logger) (Result, error) {
	stored := txstore.TxReceipt{
		TxHash:            send.TxHash,
		Status:            int16(receipt.Status),
		BlockNumber:       receipt.BlockNumber.Int64(),
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		MinedAt:           time.Now().UTC(),
	}
	if stored.EffectiveGasPrice == nil {
		stored.EffectiveGasPrice = new(big.Int)
	}
	if err := o.store.InsertReceipt(ctx, stored); err != nil {
		return Result{}, fmt.Errorf("persist receipt %s: %w", send.TxHash, err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		if err := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusMined); err != nil {
			return Result{}, fmt.Errorf("transition to MINED: %w", err)
		}
		logger.Info().Str("tx_hash", send.TxHash).Int64("block", stored.BlockNumber).Msg("transaction mined")
		return Result{IntentKey: intent.IntentKey, TxHash: send.TxHash, Status: txstore.StatusMined}, nil
	}

	if err := o.store.UpdateIntentStatus(ctx, intent.ID, txstore.StatusFailed); err != nil {
		return Result{}, fmt.Errorf("transition to FAILED: %w", err)
	}
	failure := fmt.Errorf("%w: intent %s hash %s mined with revert", ErrReverted, intent.IntentKey, send.TxHash)
	o.notifyFailure(ctx, intent.IntentKey, send.TxHash, failure)
	return Result{IntentKey: intent.IntentKey, TxHash: send.TxHash, Status: txstore.StatusFailed}, failure
}

func (o *Orchestrator) notifyFailure(ctx context.Context, intentKey, txHash string, cause error) {
	if o.notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:      alerting.KindTxFailure,
		IntentKey: intentKey,
		TxHash:    txHash,
		Message:   cause.Error(),
		At:        time.Now().UTC(),
	}
	if err := o.notifier.Notify(ctx, note); err != nil {
		o.logger.Error().Err(err).Str("intent_key", intentKey).Msg("failed to dispatch failure alert")
	}
}
