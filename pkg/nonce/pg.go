package nonce

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the nonce store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// Next assigns the next nonce for an address. The result is never below
// chainPending and never repeats a nonce already assigned, whatever the
// number of concurrent callers.
func (s *pgStore) Next(ctx context.Context, chainID int64, address string, chainPending uint64) (uint64, error) {
	var assigned int64
	if err := nextQuery(s.db, chainID, address, chainPending).Scan(ctx, &assigned); err != nil {
		return 0, fmt.Errorf("failed to assign nonce: %w", err)
	}
	return uint64(assigned), nil
}

// nextQuery is the assignment upsert. The conflict target is referenced by
// its alias: Postgres hides the table name once INSERT ... AS is used.
func nextQuery(db bun.IDB, chainID int64, address string, chainPending uint64) *bun.InsertQuery {
	return db.NewInsert().
		Model(&NonceStateDao{
			ChainID: chainID,
			Address: strings.ToLower(address),
			Nonce:   int64(chainPending),
		}).
		On("CONFLICT (chain_id, address) DO UPDATE").
		Set("nonce = GREATEST(ns.nonce + 1, EXCLUDED.nonce)").
		Set("updated_at = now()").
		Returning("nonce")
}

// Release hands back a nonce whose transaction never reached the chain.
// It only succeeds while the nonce is still the latest one assigned.
func (s *pgStore) Release(ctx context.Context, chainID int64, address string, nonce uint64) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*NonceStateDao)(nil)).
		Set("nonce = nonce - 1").
		Set("updated_at = now()").
		Where("chain_id = ?", chainID).
		Where("address = ?", strings.ToLower(address)).
		Where("nonce = ?", int64(nonce)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to release nonce: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CreateSchema creates the nonce_state table.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.CreateSchema(ctx, db, &NonceStateDao{})
}

// DropSchema drops the nonce_state table.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &NonceStateDao{})
}
