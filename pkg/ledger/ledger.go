// Package ledger defines the internal balance ledger shared by every custody flow:
// per-user wallet balances and the append-only transaction log.
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AggregateChain is the chain id of the chain-agnostic balance row every
// debit and credit is applied to.
const AggregateChain int64 = 0

// PlatformLogIndex marks transactions created by the platform itself rather
// than observed as a chain log.
const PlatformLogIndex int64 = -1

// TxType classifies a ledger transaction.
type TxType string

const (
	TypeDeposit    TxType = "deposit"
	TypeWithdrawal TxType = "withdrawal"
	TypeExternal   TxType = "external"
	TypeInternal   TxType = "internal"
	TypeSweep      TxType = "sweep"
)

// Status is the lifecycle state of a transaction. It is the only mutable column.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Purpose is the origin tag carried from the component that created a
// transaction through to ingestion and reconciliation.
type Purpose string

const (
	PurposeUserDeposit     Purpose = "user_deposit"
	PurposeUserWithdrawal  Purpose = "user_withdrawal"
	PurposeTreasurySweep   Purpose = "treasury_sweep"
	PurposeObservedOutflow Purpose = "observed_outflow"
	PurposeP2PTransfer     Purpose = "p2p_transfer"
	PurposeStakeLock       Purpose = "stake_lock"
	PurposeStakeRelease    Purpose = "stake_release"
	PurposeCompensation    Purpose = "compensation"
)

// WalletBalance is the authoritative user-visible balance of one token.
type WalletBalance struct {
	UserID    string
	Token     string
	ChainID   int64
	Balance   decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID              uuid.UUID
	SenderID        string
	RecipientID     string
	SenderWallet    string
	RecipientWallet string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Token           string
	Type            TxType
	Purpose         Purpose
	Status          Status
	TxHash          string
	LogIndex        int64
	ChainID         int64
	ChainName       string
	BlockNumber     uint64
	CreatedAt       time.Time

	// GasFee is the native gas paid from a custodial wallet, set on sweeps only.
	GasFee decimal.Decimal
	// Reference links the entry to the object that caused it, such as a
	// staking position id.
	Reference string
	// RawTx is the hex encoded signed transaction of a platform-sent entry,
	// kept so a pending entry can be broadcast again.
	RawTx string
}

// Total is the amount plus fee charged for the transaction.
func (t *Transaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}

// NewInternal builds a completed internal entry. Either side may be empty
// when the counterparty is the platform (stake lock, stake release).
func NewInternal(senderID, recipientID, token string, amount decimal.Decimal, purpose Purpose, reference string) *Transaction {
	return &Transaction{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Amount:      amount,
		Token:       NormalizeToken(token),
		Type:        TypeInternal,
		Purpose:     purpose,
		Status:      StatusCompleted,
		LogIndex:    PlatformLogIndex,
		Reference:   reference,
	}
}

// NormalizeToken upper-cases a token symbol.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// Totals are the ledger-side inputs of a reconciliation.
type Totals struct {
	InternalCredits decimal.Decimal
	InternalDebits  decimal.Decimal
	Withdrawals     decimal.Decimal
}
