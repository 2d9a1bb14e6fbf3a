package txstore

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus is the state-machine position of a transaction intent.
type IntentStatus string

const (
	StatusCreated  IntentStatus = "CREATED"
	StatusBuilt    IntentStatus = "BUILT"
	StatusSent     IntentStatus = "SENT"
	StatusReplaced IntentStatus = "REPLACED"
	StatusMined    IntentStatus = "MINED"
	StatusFailed   IntentStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	return s == StatusMined || s == StatusFailed
}

// InFlight reports whether a broadcast chain exists and is still unresolved.
func (s IntentStatus) InFlight() bool {
	return s == StatusSent || s == StatusReplaced
}

// TxIntent is one logical transaction, unique per idempotency key. Rows are
// created once, mutated only by the orchestrator, and never deleted.
type TxIntent struct {
	ID        int64
	IntentKey string
	Status    IntentStatus
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TxSend is one broadcast attempt; an intent owns the whole replacement chain.
type TxSend struct {
	ID                   int64
	IntentID             int64
	ChainID              int64
	Nonce                uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
	TxHash               string
	SentAt               time.Time
	ReplacedBy           *string
}

// TxReceipt records the mined outcome of one send.
type TxReceipt struct {
	TxHash            string
	Status            int16 // 1 success, 0 revert
	BlockNumber       int64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	MinedAt           time.Time
}

// PriceSample is an audit-trail row for quotes the engine accepted while
// sizing trades. Diagnostics and export only.
type PriceSample struct {
	ID               int64
	Symbol           string
	Price            decimal.Decimal
	Source           string
	DeviationBps     int64
	FreshnessSeconds int64
	ObservedAt       time.Time
	CreatedAt        time.Time
}
