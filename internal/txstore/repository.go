package txstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("txstore: pool not configured")
	// ErrIntentNotFound indicates no intent row exists for the key.
	ErrIntentNotFound = errors.New("txstore: intent not found")
	// ErrNoSends indicates the intent has no broadcast attempts yet.
	ErrNoSends = errors.New("txstore: intent has no sends")
	// ErrReceiptNotFound indicates no receipt row exists for the hash.
	ErrReceiptNotFound = errors.New("txstore: receipt not found")
	// ErrIntentLockTimeout indicates the per-intent advisory lock could not be
	// acquired within the bounded wait.
	ErrIntentLockTimeout = errors.New("txstore: intent lock timed out")
)

const (
	ensureIntentSQL = `INSERT INTO tx_intents (intent_key, status, metadata)
    VALUES ($1, $2, $3)
    ON CONFLICT (intent_key) DO NOTHING;`

	getIntentSQL = `SELECT id, intent_key, status, metadata, created_at, updated_at
    FROM tx_intents
    WHERE intent_key = $1;`

	updateIntentStatusSQL = `UPDATE tx_intents
    SET status = $2, updated_at = now()
    WHERE id = $1;`

	insertSendSQL = `INSERT INTO tx_sends (
        intent_id,
        chain_id,
        nonce,
        max_fee_per_gas,
        max_priority_fee_per_gas,
        gas_limit,
        tx_hash
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, sent_at;`

	sendColumns = `id, intent_id, chain_id, nonce, max_fee_per_gas,
        max_priority_fee_per_gas, gas_limit, tx_hash, sent_at, replaced_by`

	latestSendSQL = `SELECT ` + sendColumns + `
    FROM tx_sends
    WHERE intent_id = $1
    ORDER BY id DESC
    LIMIT 1;`

	sendsForIntentSQL = `SELECT ` + sendColumns + `
    FROM tx_sends
    WHERE intent_id = $1
    ORDER BY id;`

	markSendReplacedSQL = `UPDATE tx_sends
    SET replaced_by = $2
    WHERE tx_hash = $1;`

	insertReceiptSQL = `INSERT INTO tx_receipts (
        tx_hash,
        status,
        block_number,
        gas_used,
        effective_gas_price,
        mined_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (tx_hash) DO NOTHING;`

	getReceiptSQL = `SELECT tx_hash, status, block_number, gas_used, effective_gas_price, mined_at
    FROM tx_receipts
    WHERE tx_hash = $1;`

	listUnresolvedIntentsSQL = `SELECT i.id, i.intent_key, i.status, i.metadata, i.created_at, i.updated_at
    FROM tx_intents i
    WHERE i.status IN ('SENT', 'REPLACED')
       OR (i.status = 'FAILED' AND EXISTS (
              SELECT 1 FROM tx_sends s
              WHERE s.intent_id = i.id
                AND NOT EXISTS (SELECT 1 FROM tx_receipts r WHERE r.tx_hash = s.tx_hash)))
    ORDER BY i.created_at
    LIMIT $1;`

	listRecentIntentsSQL = `SELECT id, intent_key, status, metadata, created_at, updated_at
    FROM tx_intents
    ORDER BY created_at DESC
    LIMIT $1;`

	insertPriceSampleSQL = `INSERT INTO price_samples (
        symbol,
        price,
        source,
        deviation_bps,
        freshness_seconds,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listPriceSamplesBetweenSQL = `SELECT id, symbol, price, source, deviation_bps, freshness_seconds, observed_at, created_at
    FROM price_samples
    WHERE symbol = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// IntentStore defines the durable state-machine operations the orchestrator
// needs. Rows are an audit log: nothing here deletes.
type IntentStore interface {
	EnsureIntent(ctx context.Context, intentKey string, metadata json.RawMessage) error
	GetIntent(ctx context.Context, intentKey string) (TxIntent, error)
	UpdateIntentStatus(ctx context.Context, intentID int64, status IntentStatus) error
	InsertSend(ctx context.Context, send TxSend) (TxSend, error)
	LatestSend(ctx context.Context, intentID int64) (TxSend, error)
	SendsForIntent(ctx context.Context, intentID int64) ([]TxSend, error)
	MarkSendReplaced(ctx context.Context, txHash, replacedBy string) error
	InsertReceipt(ctx context.Context, receipt TxReceipt) error
	GetReceipt(ctx context.Context, txHash string) (TxReceipt, error)
	ListUnresolvedIntents(ctx context.Context, limit int) ([]TxIntent, error)
	WithIntentLock(ctx context.Context, intentKey string, wait time.Duration, fn func() error) error
}

// PriceSampleStore persists the pricing audit trail.
type PriceSampleStore interface {
	InsertPriceSample(ctx context.Context, sample PriceSample) error
	ListPriceSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceSample, error)
}

// AdvisoryLocker exposes advisory lock helpers for singleton jobs.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates pgx-backed access to intents, sends, receipts, and samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureIntent creates the intent row if absent; the unique constraint on
// intent_key makes concurrent creation race-free.
func (s *Store) EnsureIntent(ctx context.Context, intentKey string, metadata json.RawMessage) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	if _, execErr := pool.Exec(ctx, ensureIntentSQL, intentKey, string(StatusCreated), []byte(metadata)); execErr != nil {
		return fmt.Errorf("ensure intent: %w", execErr)
	}
	return nil
}

// GetIntent fetches the intent row by key.
func (s *Store) GetIntent(ctx context.Context, intentKey string) (TxIntent, error) {
	pool, err := s.getPool()
	if err != nil {
		return TxIntent{}, err
	}

	var (
		intent TxIntent
		status string
	)
	row := pool.QueryRow(ctx, getIntentSQL, intentKey)
	if scanErr := row.Scan(&intent.ID, &intent.IntentKey, &status, &intent.Metadata, &intent.CreatedAt, &intent.UpdatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return TxIntent{}, ErrIntentNotFound
		}
		return TxIntent{}, fmt.Errorf("get intent: %w", scanErr)
	}
	intent.Status = IntentStatus(status)
	return intent, nil
}

// UpdateIntentStatus transitions the intent's persisted state.
func (s *Store) UpdateIntentStatus(ctx context.Context, intentID int64, status IntentStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateIntentStatusSQL, intentID, string(status))
	if execErr != nil {
		return fmt.Errorf("update intent status: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// InsertSend persists one broadcast attempt.
func (s *Store) InsertSend(ctx context.Context, send TxSend) (TxSend, error) {
	pool, err := s.getPool()
	if err != nil {
		return TxSend{}, err
	}

	row := pool.QueryRow(ctx, insertSendSQL,
		send.IntentID,
		send.ChainID,
		int64(send.Nonce),
		send.MaxFeePerGas.String(),
		send.MaxPriorityFeePerGas.String(),
		int64(send.GasLimit),
		send.TxHash,
	)
	if scanErr := row.Scan(&send.ID, &send.SentAt); scanErr != nil {
		return TxSend{}, fmt.Errorf("insert send: %w", scanErr)
	}
	return send, nil
}

// LatestSend returns the newest send in the intent's replacement chain.
func (s *Store) LatestSend(ctx context.Context, intentID int64) (TxSend, error) {
	pool, err := s.getPool()
	if err != nil {
		return TxSend{}, err
	}
	row := pool.QueryRow(ctx, latestSendSQL, intentID)
	send, scanErr := scanSendRow(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return TxSend{}, ErrNoSends
		}
		return TxSend{}, fmt.Errorf("latest send: %w", scanErr)
	}
	return send, nil
}

// SendsForIntent lists the full replacement chain, oldest first.
func (s *Store) SendsForIntent(ctx context.Context, intentID int64) ([]TxSend, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, sendsForIntentSQL, intentID)
	if queryErr != nil {
		return nil, fmt.Errorf("sends for intent: %w", queryErr)
	}
	defer rows.Close()

	sends := make([]TxSend, 0)
	for rows.Next() {
		send, scanErr := scanSendRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sends = append(sends, send)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sends, nil
}

// MarkSendReplaced links a superseded send to its replacement hash.
func (s *Store) MarkSendReplaced(ctx context.Context, txHash, replacedBy string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markSendReplacedSQL, txHash, replacedBy)
	if execErr != nil {
		return fmt.Errorf("mark send replaced: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNoSends
	}
	return nil
}

// InsertReceipt persists the mined outcome; idempotent per hash.
func (s *Store) InsertReceipt(ctx context.Context, receipt TxReceipt) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertReceiptSQL,
		receipt.TxHash,
		receipt.Status,
		receipt.BlockNumber,
		int64(receipt.GasUsed),
		receipt.EffectiveGasPrice.String(),
		receipt.MinedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert receipt: %w", execErr)
	}
	return nil
}

// GetReceipt fetches a stored receipt by hash.
func (s *Store) GetReceipt(ctx context.Context, txHash string) (TxReceipt, error) {
	pool, err := s.getPool()
	if err != nil {
		return TxReceipt{}, err
	}

	var (
		receipt  TxReceipt
		gasUsed  int64
		priceStr string
	)
	row := pool.QueryRow(ctx, getReceiptSQL, txHash)
	if scanErr := row.Scan(&receipt.TxHash, &receipt.Status, &receipt.BlockNumber, &gasUsed, &priceStr, &receipt.MinedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return TxReceipt{}, ErrReceiptNotFound
		}
		return TxReceipt{}, fmt.Errorf("get receipt: %w", scanErr)
	}
	receipt.GasUsed = uint64(gasUsed)
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return TxReceipt{}, fmt.Errorf("parse effective gas price %q", priceStr)
	}
	receipt.EffectiveGasPrice = price
	return receipt, nil
}

// ListUnresolvedIntents returns intents still awaiting a final on-chain
// answer: in-flight ones, plus FAILED ones whose sends might have mined late.
func (s *Store) ListUnresolvedIntents(ctx context.Context, limit int) ([]TxIntent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUnresolvedIntentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list unresolved intents: %w", queryErr)
	}
	defer rows.Close()
	return collectIntents(rows, limit)
}

// ListRecentIntents lists the newest intents for operator inspection.
func (s *Store) ListRecentIntents(ctx context.Context, limit int) ([]TxIntent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentIntentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent intents: %w", queryErr)
	}
	defer rows.Close()
	return collectIntents(rows, limit)
}

// WithIntentLock serialises work on one intent key across the cluster using a
// postgres advisory lock derived from the key. Acquisition polls up to wait;
// the lock is released when fn returns.
func (s *Store) WithIntentLock(ctx context.Context, intentKey string, wait time.Duration, fn func() error) error {
	deadline := time.Now().Add(wait)
	for {
		unlock, acquired, err := s.TryAdvisoryLock(ctx, intentLockKey(intentKey))
		if err != nil {
			return err
		}
		if acquired {
			defer unlock()
			return fn()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrIntentLockTimeout, intentKey, wait)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrIntentLockTimeout, intentKey, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// best effort; the session owns the lock and releases it on close
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertPriceSample appends one pricing observation to the audit trail.
func (s *Store) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertPriceSampleSQL,
		sample.Symbol,
		sample.Price.String(),
		sample.Source,
		sample.DeviationBps,
		sample.FreshnessSeconds,
		sample.ObservedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// ListPriceSamplesBetween lists samples for a symbol within a time window.
func (s *Store) ListPriceSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPriceSamplesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var (
			sample   PriceSample
			priceStr string
		)
		if err := rows.Scan(
			&sample.ID,
			&sample.Symbol,
			&priceStr,
			&sample.Source,
			&sample.DeviationBps,
			&sample.FreshnessSeconds,
			&sample.ObservedAt,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		sample.Price = price
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSendRow(row pgx.Row) (TxSend, error) {
	var (
		send        TxSend
		nonce       int64
		maxFeeStr   string
		maxTipStr   string
		gasLimit    int64
		replacedBy  sql.NullString
	)
	if err := row.Scan(
		&send.ID,
		&send.IntentID,
		&send.ChainID,
		&nonce,
		&maxFeeStr,
		&maxTipStr,
		&gasLimit,
		&send.TxHash,
		&send.SentAt,
		&replacedBy,
	); err != nil {
		return TxSend{}, err
	}

	send.Nonce = uint64(nonce)
	send.GasLimit = uint64(gasLimit)

	maxFee, ok := new(big.Int).SetString(maxFeeStr, 10)
	if !ok {
		return TxSend{}, fmt.Errorf("parse max fee %q", maxFeeStr)
	}
	maxTip, ok := new(big.Int).SetString(maxTipStr, 10)
	if !ok {
		return TxSend{}, fmt.Errorf("parse max priority fee %q", maxTipStr)
	}
	send.MaxFeePerGas = maxFee
	send.MaxPriorityFeePerGas = maxTip

	if replacedBy.Valid {
		value := replacedBy.String
		send.ReplacedBy = &value
	}
	return send, nil
}

func collectIntents(rows pgx.Rows, limit int) ([]TxIntent, error) {
	intents := make([]TxIntent, 0, limit)
	for rows.Next() {
		var (
			intent TxIntent
			status string
		)
		if err := rows.Scan(&intent.ID, &intent.IntentKey, &status, &intent.Metadata, &intent.CreatedAt, &intent.UpdatedAt); err != nil {
			return nil, err
		}
		intent.Status = IntentStatus(status)
		intents = append(intents, intent)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return intents, nil
}

// intentLockKey hashes the key into the advisory-lock namespace.
func intentLockKey(intentKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("intent:" + intentKey))
	return int64(h.Sum64())
}

var (
	_ IntentStore      = (*Store)(nil)
	_ PriceSampleStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
