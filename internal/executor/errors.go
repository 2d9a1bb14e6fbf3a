package executor

import "errors"

var (
	// ErrBuildFailure indicates transaction parameters could not be assembled.
	ErrBuildFailure = errors.New("executor: transaction build failed")
	// ErrBroadcastFailure indicates the signed transaction could not be broadcast.
	ErrBroadcastFailure = errors.New("executor: broadcast failed")
	// ErrReceiptTimeout indicates polling exhausted its window without a receipt.
	ErrReceiptTimeout = errors.New("executor: receipt polling timed out")
	// ErrTerminalFailure indicates the intent reached FAILED. The transaction
	// may still mine later; the reconciliation sweep resolves that case.
	ErrTerminalFailure = errors.New("executor: intent terminally failed")
	// ErrReverted indicates the transaction mined with a revert status.
	ErrReverted = errors.New("executor: transaction reverted")
)
