package custody

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uptrace/bun"
)

// CustodialWalletDao maps to the 'custodial_wallets' table.
type CustodialWalletDao struct {
	bun.BaseModel `bun:"table:custodial_wallets,alias:cw"`
	UserID        string    `bun:"user_id,pk,type:varchar(64)"`
	ChainID       int64     `bun:"chain_id,pk"`
	Address       string    `bun:"address,notnull,type:varchar(42)"`
	EncryptedKey  string    `bun:"encrypted_key,notnull,type:text"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func toWalletDao(w *Wallet) *CustodialWalletDao {
	return &CustodialWalletDao{
		UserID:       w.UserID,
		ChainID:      w.ChainID,
		Address:      w.Address.Hex(),
		EncryptedKey: w.EncryptedKey,
		CreatedAt:    w.CreatedAt,
	}
}

func toWallet(dao *CustodialWalletDao) *Wallet {
	return &Wallet{
		UserID:       dao.UserID,
		ChainID:      dao.ChainID,
		Address:      common.HexToAddress(dao.Address),
		EncryptedKey: dao.EncryptedKey,
		CreatedAt:    dao.CreatedAt,
	}
}
