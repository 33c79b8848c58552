package ledgerstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/ledger"
)

// WalletBalanceDao maps to the 'wallet_balances' table.
type WalletBalanceDao struct {
	bun.BaseModel `bun:"table:wallet_balances,alias:wb"`
	UserID        string          `bun:"user_id,pk,type:varchar(64)"`
	Token         string          `bun:"token,pk,type:varchar(32)"`
	ChainID       int64           `bun:"chain_id,pk"`
	Balance       decimal.Decimal `bun:"balance,notnull,type:numeric(38,18),default:0"`
	Version       int64           `bun:"version,notnull,default:0"`
	UpdatedAt     time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// TransactionDao maps to the append-only 'transactions' table.
type TransactionDao struct {
	bun.BaseModel   `bun:"table:transactions,alias:t"`
	ID              uuid.UUID       `bun:"id,pk,type:uuid"`
	SenderID        *string         `bun:"sender_id,type:varchar(64)"`
	RecipientID     *string         `bun:"recipient_id,type:varchar(64)"`
	SenderWallet    string          `bun:"sender_wallet,type:varchar(64)"`
	RecipientWallet string          `bun:"recipient_wallet,type:varchar(64)"`
	Amount          decimal.Decimal `bun:"amount,notnull,type:numeric(38,18)"`
	Fee             decimal.Decimal `bun:"fee,notnull,type:numeric(38,18),default:0"`
	GasFee          decimal.Decimal `bun:"gas_fee,notnull,type:numeric(38,18),default:0"`
	Token           string          `bun:"token,notnull,type:varchar(32)"`
	Type            string          `bun:"type,notnull,type:varchar(16)"`
	Purpose         string          `bun:"purpose,notnull,type:varchar(32)"`
	Status          string          `bun:"status,notnull,type:varchar(16)"`
	TxHash          *string         `bun:"transaction_hash,type:varchar(66)"`
	LogIndex        int64           `bun:"log_index,notnull,default:-1"`
	ChainID         int64           `bun:"chain_id,notnull,default:0"`
	ChainName       string          `bun:"chain_name,type:varchar(64)"`
	BlockNumber     int64           `bun:"block_number,notnull,default:0"`
	Reference       string          `bun:"reference,type:varchar(64)"`
	RawTx           string          `bun:"raw_tx,type:text"`
	CreatedAt       time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toTransactionDao(tx *ledger.Transaction) *TransactionDao {
	return &TransactionDao{
		ID:              tx.ID,
		SenderID:        optional(tx.SenderID),
		RecipientID:     optional(tx.RecipientID),
		SenderWallet:    tx.SenderWallet,
		RecipientWallet: tx.RecipientWallet,
		Amount:          tx.Amount,
		Fee:             tx.Fee,
		GasFee:          tx.GasFee,
		Token:           tx.Token,
		Type:            string(tx.Type),
		Purpose:         string(tx.Purpose),
		Status:          string(tx.Status),
		TxHash:          optional(tx.TxHash),
		LogIndex:        tx.LogIndex,
		ChainID:         tx.ChainID,
		ChainName:       tx.ChainName,
		BlockNumber:     int64(tx.BlockNumber),
		Reference:       tx.Reference,
		RawTx:           tx.RawTx,
		CreatedAt:       tx.CreatedAt,
	}
}

func toTransaction(dao *TransactionDao) *ledger.Transaction {
	return &ledger.Transaction{
		ID:              dao.ID,
		SenderID:        deref(dao.SenderID),
		RecipientID:     deref(dao.RecipientID),
		SenderWallet:    dao.SenderWallet,
		RecipientWallet: dao.RecipientWallet,
		Amount:          dao.Amount,
		Fee:             dao.Fee,
		GasFee:          dao.GasFee,
		Token:           dao.Token,
		Type:            ledger.TxType(dao.Type),
		Purpose:         ledger.Purpose(dao.Purpose),
		Status:          ledger.Status(dao.Status),
		TxHash:          deref(dao.TxHash),
		LogIndex:        dao.LogIndex,
		ChainID:         dao.ChainID,
		ChainName:       dao.ChainName,
		BlockNumber:     uint64(dao.BlockNumber),
		Reference:       dao.Reference,
		RawTx:           dao.RawTx,
		CreatedAt:       dao.CreatedAt,
	}
}

func toWalletBalance(dao *WalletBalanceDao) *ledger.WalletBalance {
	return &ledger.WalletBalance{
		UserID:    dao.UserID,
		Token:     dao.Token,
		ChainID:   dao.ChainID,
		Balance:   dao.Balance,
		Version:   dao.Version,
		UpdatedAt: dao.UpdatedAt,
	}
}
