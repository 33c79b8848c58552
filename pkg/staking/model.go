package staking

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// StakingPositionDao maps to the 'staking_positions' table
type StakingPositionDao struct {
	bun.BaseModel `bun:"table:staking_positions,alias:sp"`
	ID            uuid.UUID       `bun:"id,pk,type:uuid"`
	UserID        string          `bun:"user_id,notnull,type:varchar(64)"`
	Token         string          `bun:"token,notnull,type:varchar(16)"`
	StakedAmount  decimal.Decimal `bun:"staked_amount,notnull,type:numeric(38,18)"`
	DurationDays  int             `bun:"duration_days,notnull"`
	APYRate       decimal.Decimal `bun:"apy_rate,notnull,type:numeric(5,2)"`
	RewardsEarned decimal.Decimal `bun:"rewards_earned,notnull,type:numeric(38,18),default:0"`
	StartDate     time.Time       `bun:"start_date,notnull"`
	EndDate       time.Time       `bun:"end_date,notnull"`
	Status        string          `bun:"status,notnull,type:varchar(16)"`
	WithdrawnAt   *time.Time      `bun:"withdrawn_at"`
}

func toPositionDao(p *Position) *StakingPositionDao {
	return &StakingPositionDao{
		ID:            p.ID,
		UserID:        p.UserID,
		Token:         p.Token,
		StakedAmount:  p.Amount,
		DurationDays:  p.DurationDays,
		APYRate:       p.APY,
		RewardsEarned: p.RewardsEarned,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		Status:        string(p.Status),
		WithdrawnAt:   p.WithdrawnAt,
	}
}

func toPosition(dao *StakingPositionDao) *Position {
	return &Position{
		ID:            dao.ID,
		UserID:        dao.UserID,
		Token:         dao.Token,
		Amount:        dao.StakedAmount,
		DurationDays:  dao.DurationDays,
		APY:           dao.APYRate,
		RewardsEarned: dao.RewardsEarned,
		StartDate:     dao.StartDate.UTC(),
		EndDate:       dao.EndDate.UTC(),
		Status:        Status(dao.Status),
		WithdrawnAt:   dao.WithdrawnAt,
	}
}
