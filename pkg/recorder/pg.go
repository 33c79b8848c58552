package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

type pgCursorStore struct {
	db *bun.DB
}

// NewCursorStore creates a new postgres implementation of the scan cursor store
func NewCursorStore(db *bun.DB) *pgCursorStore {
	return &pgCursorStore{db: db}
}

func (s *pgCursorStore) Cursor(ctx context.Context, chainID int64, wallet, token string) (uint64, bool, error) {
	dao := new(ScanCursorDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("chain_id = ?", chainID).
		Where("wallet = ?", strings.ToLower(wallet)).
		Where("token = ?", token).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get scan cursor: %w", err)
	}
	return uint64(dao.LastBlock), true, nil
}

// SetCursor moves the cursor forward. It never moves it back.
func (s *pgCursorStore) SetCursor(ctx context.Context, chainID int64, wallet, token string, block uint64) error {
	_, err := s.db.NewInsert().
		Model(&ScanCursorDao{
			ChainID:   chainID,
			Wallet:    strings.ToLower(wallet),
			Token:     token,
			LastBlock: int64(block),
		}).
		On("CONFLICT (chain_id, wallet, token) DO UPDATE").
		Set("last_block = GREATEST(sc.last_block, EXCLUDED.last_block)").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set scan cursor: %w", err)
	}
	return nil
}

// CreateSchema creates the scan_cursors table.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.CreateSchema(ctx, db, &ScanCursorDao{})
}

// DropSchema drops the scan_cursors table.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &ScanCursorDao{})
}
