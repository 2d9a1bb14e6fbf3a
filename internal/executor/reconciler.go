package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"perp-executor/internal/alerting"
	"perp-executor/internal/txstore"
)

// reconcilerStore is the storage surface the sweep needs.
type reconcilerStore interface {
	ListUnresolvedIntents(ctx context.Context, limit int) ([]txstore.TxIntent, error)
	SendsForIntent(ctx context.Context, intentID int64) ([]txstore.TxSend, error)
	GetReceipt(ctx context.Context, txHash string) (txstore.TxReceipt, error)
	InsertReceipt(ctx context.Context, receipt txstore.TxReceipt) error
	UpdateIntentStatus(ctx context.Context, intentID int64, status txstore.IntentStatus) error
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ReconcilerOptions tune the sweep.
type ReconcilerOptions struct {
	// BatchSize caps how many unresolved intents one sweep inspects.
	BatchSize int
	// AdvisoryLockKey guards the sweep so only one instance runs it.
	AdvisoryLockKey int64
}

func (o ReconcilerOptions) withDefaults() ReconcilerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.AdvisoryLockKey == 0 {
		o.AdvisoryLockKey = 7421001
	}
	return o
}

// Reconciler settles intents the orchestrator lost track of: sends that were
// in flight during a crash, and FAILED intents whose transaction mined after
// the poll window closed. It only ever moves intents toward the truth the
// chain reports; it never rebroadcasts.
type Reconciler struct {
	store    reconcilerStore
	locks    txstore.AdvisoryLocker
	chain    receiptReader
	notifier alerting.Notifier
	logger   zerolog.Logger
	opts     ReconcilerOptions
}

// NewReconciler wires the sweep. notifier may be nil.
func NewReconciler(store reconcilerStore, locks txstore.AdvisoryLocker, chain receiptReader, notifier alerting.Notifier, opts ReconcilerOptions, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		locks:    locks,
		chain:    chain,
		notifier: notifier,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		opts:     opts.withDefaults(),
	}
}

// Sweep runs one reconciliation pass. When another instance holds the
// advisory lock the pass is skipped; the interval scheduler retries later.
func (r *Reconciler) Sweep(ctx context.Context) error {
	unlock, acquired, err := r.locks.TryAdvisoryLock(ctx, r.opts.AdvisoryLockKey)
	if err != nil {
		return fmt.Errorf("acquire reconciler lock: %w", err)
	}
	if !acquired {
		r.logger.Debug().Msg("reconciler lock held elsewhere, skipping sweep")
		return nil
	}
	defer unlock()

	intents, err := r.store.ListUnresolvedIntents(ctx, r.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list unresolved intents: %w", err)
	}
	if len(intents) == 0 {
		r.logger.Debug().Msg("no unresolved intents")
		return nil
	}

	r.logger.Info().Int("count", len(intents)).Msg("reconciling unresolved intents")

	var firstErr error
	for _, intent := range intents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.reconcileIntent(ctx, intent); err != nil {
			r.logger.Error().Err(err).Str("intent_key", intent.IntentKey).Msg("failed to reconcile intent")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// reconcileIntent checks every send in the intent's replacement chain against
// the chain, newest first, and settles the intent if any of them mined.
func (r *Reconciler) reconcileIntent(ctx context.Context, intent txstore.TxIntent) error {
	sends, err := r.store.SendsForIntent(ctx, intent.ID)
	if err != nil {
		return fmt.Errorf("load sends: %w", err)
	}
	if len(sends) == 0 {
		// Crash between CREATED/BUILT and the first broadcast leaves nothing
		// to reconcile; Execute with the same key restarts the pipeline.
		return nil
	}

	for i := len(sends) - 1; i >= 0; i-- {
		send := sends[i]
		receipt, err := r.lookupReceipt(ctx, send.TxHash)
		if err != nil {
			return err
		}
		if receipt == nil {
			continue
		}
		return r.settle(ctx, intent, send, *receipt)
	}

	r.logger.Debug().Str("intent_key", intent.IntentKey).
		Str("status", string(intent.Status)).
		Int("sends", len(sends)).
		Msg("no send mined yet")
	return nil
}

// lookupReceipt prefers the stored receipt and falls back to the chain.
// A missing receipt on both is a nil result, not an error.
func (r *Reconciler) lookupReceipt(ctx context.Context, txHash string) (*txstore.TxReceipt, error) {
	stored, err := r.store.GetReceipt(ctx, txHash)
	if err == nil {
		return &stored, nil
	}
	if !errors.Is(err, txstore.ErrReceiptNotFound) {
		return nil, fmt.Errorf("load stored receipt %s: %w", txHash, err)
	}

	onchain, err := r.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil || onchain == nil {
		// ethclient reports "not found" as an error; treat any lookup failure
		// as not-mined-yet and let the next sweep retry.
		return nil, nil
	}

	receipt := txstore.TxReceipt{
		TxHash:            txHash,
		Status:            int16(onchain.Status),
		BlockNumber:       onchain.BlockNumber.Int64(),
		GasUsed:           onchain.GasUsed,
		EffectiveGasPrice: onchain.EffectiveGasPrice,
		MinedAt:           time.Now().UTC(),
	}
	if receipt.EffectiveGasPrice == nil {
		receipt.EffectiveGasPrice = new(big.Int)
	}
	if err := r.store.InsertReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("persist receipt %s: %w", txHash, err)
	}
	return &receipt, nil
}

func (r *Reconciler) settle(ctx context.Context, intent txstore.TxIntent, send txstore.TxSend, receipt txstore.TxReceipt) error {
	terminal := txstore.StatusMined
	if receipt.Status != int16(types.ReceiptStatusSuccessful) {
		terminal = txstore.StatusFailed
	}

	if intent.Status == terminal {
		return nil
	}
	if err := r.store.UpdateIntentStatus(ctx, intent.ID, terminal); err != nil {
		return fmt.Errorf("transition intent to %s: %w", terminal, err)
	}

	logger := r.logger.With().
		Str("intent_key", intent.IntentKey).
		Str("tx_hash", send.TxHash).
		Int64("block", receipt.BlockNumber).
		Logger()

	if intent.Status == txstore.StatusFailed && terminal == txstore.StatusMined {
		// The poll window gave up on this intent but the chain mined it
		// anyway. An operator may have acted on the failure alert.
		logger.Warn().Msg("intent previously marked FAILED mined late")
		r.notify(ctx, alerting.Notification{
			Kind:      alerting.KindLateMine,
			IntentKey: intent.IntentKey,
			TxHash:    send.TxHash,
			Message:   fmt.Sprintf("intent mined in block %d after being marked FAILED", receipt.BlockNumber),
			At:        time.Now().UTC(),
		})
		return nil
	}

	logger.Info().Str("status", string(terminal)).Msg("reconciled in-flight intent")
	if terminal == txstore.StatusFailed {
		r.notify(ctx, alerting.Notification{
			Kind:      alerting.KindTxFailure,
			IntentKey: intent.IntentKey,
			TxHash:    send.TxHash,
			Message:   fmt.Sprintf("intent reverted in block %d (found by reconciliation)", receipt.BlockNumber),
			At:        time.Now().UTC(),
		})
	}
	return nil
}

func (r *Reconciler) notify(ctx context.Context, note alerting.Notification) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, note); err != nil {
		r.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch reconciler alert")
	}
}
