package staking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the staking store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// Insert stores a new position.
func (s *pgStore) Insert(ctx context.Context, p *Position) error {
	_, err := s.db.NewInsert().Model(toPositionDao(p)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert staking position: %w", err)
	}
	return nil
}

// Get returns a position by id.
func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Position, error) {
	dao := new(StakingPositionDao)
	err := s.db.NewSelect().Model(dao).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to get staking position: %w", err)
	}
	return toPosition(dao), nil
}

// ListByUser returns a user's positions, newest first.
func (s *pgStore) ListByUser(ctx context.Context, userID string) ([]*Position, error) {
	var daos []StakingPositionDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("user_id = ?", userID).
		Order("start_date DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list staking positions: %w", err)
	}
	out := make([]*Position, len(daos))
	for i := range daos {
		out[i] = toPosition(&daos[i])
	}
	return out, nil
}

// MarkWithdrawn flips an active position to withdrawn. It reports false when
// the position was not active.
func (s *pgStore) MarkWithdrawn(ctx context.Context, id uuid.UUID, rewards decimal.Decimal, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*StakingPositionDao)(nil)).
		Set("status = ?", string(StatusWithdrawn)).
		Set("rewards_earned = ?::numeric", rewards).
		Set("withdrawn_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", string(StatusActive)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to mark position withdrawn: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RevertWithdrawn puts a withdrawn position back to active.
func (s *pgStore) RevertWithdrawn(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*StakingPositionDao)(nil)).
		Set("status = ?", string(StatusActive)).
		Set("rewards_earned = 0").
		Set("withdrawn_at = NULL").
		Where("id = ?", id).
		Where("status = ?", string(StatusWithdrawn)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to revert position: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CreateSchema creates the staking_positions table.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if err := mghelper.CreateSchema(ctx, db, &StakingPositionDao{}); err != nil {
		return err
	}
	if err := mghelper.AddCheckConstraint(ctx, db, (*StakingPositionDao)(nil),
		"chk_staking_positions_duration", "duration_days IN (30, 60, 90, 180, 365)"); err != nil {
		return err
	}
	if err := mghelper.AddCheckConstraint(ctx, db, (*StakingPositionDao)(nil),
		"chk_staking_positions_amount_positive", "staked_amount > 0"); err != nil {
		return err
	}
	return mghelper.CreateModelIndexes(ctx, db, (*StakingPositionDao)(nil), "user_id")
}

// DropSchema drops the staking_positions table.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &StakingPositionDao{})
}
