package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/pgutil"
	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the custodial wallet store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// InsertWallet stores a wallet. It reports false if the user already has one on the chain.
func (s *pgStore) InsertWallet(ctx context.Context, w *Wallet) (bool, error) {
	res, err := s.db.NewInsert().
		Model(toWalletDao(w)).
		On("CONFLICT (user_id, chain_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			return false, fmt.Errorf("wallet address %s already assigned: %w", w.Address.Hex(), err)
		}
		return false, fmt.Errorf("failed to insert wallet: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *pgStore) GetWallet(ctx context.Context, userID string, chainID int64) (*Wallet, error) {
	dao := new(CustodialWalletDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("user_id = ?", userID).
		Where("chain_id = ?", chainID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return toWallet(dao), nil
}

func (s *pgStore) ListWallets(ctx context.Context, chainID int64) ([]*Wallet, error) {
	var daos []CustodialWalletDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("chain_id = ?", chainID).
		Order("user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	out := make([]*Wallet, len(daos))
	for i := range daos {
		out[i] = toWallet(&daos[i])
	}
	return out, nil
}

// CreateSchema creates the custodial_wallets table.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if err := mghelper.CreateSchema(ctx, db, &CustodialWalletDao{}); err != nil {
		return err
	}
	return mghelper.CreateCompositeUniqueIndex(ctx, db, (*CustodialWalletDao)(nil),
		"idx_custodial_wallets_chain_address", "chain_id", "address")
}

// DropSchema drops the custodial_wallets table.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &CustodialWalletDao{})
}
