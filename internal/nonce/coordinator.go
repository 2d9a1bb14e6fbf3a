package nonce

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrLockTimeout indicates the per-address lock could not be acquired within
// the bounded wait. It is retryable, never fatal.
var ErrLockTimeout = errors.New("nonce: lock acquisition timed out")

// Locker is an exclusive, lease-based distributed lock. Acquire blocks up to
// the implementation's bounded wait and returns a release func; the lease TTL
// guarantees a crashed holder cannot wedge the key forever.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// PendingNonceReader reads the chain's pending transaction count, the ground
// truth for nonce allocation.
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Coordinator serialises nonce allocation per signing address, cluster-wide.
type Coordinator struct {
	locks  Locker
	chain  PendingNonceReader
	logger zerolog.Logger
}

// NewCoordinator wires a distributed locker and a chain reader.
func NewCoordinator(locks Locker, chain PendingNonceReader, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		locks:  locks,
		chain:  chain,
		logger: logger.With().Str("component", "nonce_coordinator").Logger(),
	}
}

// WithReservedNonce acquires the address's lock, reads the pending transaction
// count as the candidate nonce, and invokes fn with it. The lock is released
// on every exit path, panics included. At most one fn runs per address at a
// time across the whole cluster.
func (c *Coordinator) WithReservedNonce(ctx context.Context, signer common.Address, fn func(nonce uint64) error) error {
	release, err := c.locks.Acquire(ctx, lockKey(signer))
	if err != nil {
		return err
	}
	defer release()

	nonce, err := c.chain.PendingNonceAt(ctx, signer)
	if err != nil {
		return fmt.Errorf("read pending nonce for %s: %w", signer.Hex(), err)
	}

	c.logger.Debug().Str("signer", signer.Hex()).Uint64("nonce", nonce).Msg("nonce reserved")
	return fn(nonce)
}

func lockKey(signer common.Address) string {
	return "nonce:" + signer.Hex()
}
