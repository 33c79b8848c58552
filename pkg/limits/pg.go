package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the limit usage store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// Usage returns the usage of day and of day's month up to and including day.
func (s *pgStore) Usage(ctx context.Context, userID string, day time.Time) (*Usage, error) {
	var u Usage
	err := s.db.NewSelect().
		Model((*LimitUsageDao)(nil)).
		ColumnExpr("COALESCE(SUM(daily_total_usd) FILTER (WHERE date = ?), 0)", day).
		ColumnExpr("COALESCE(SUM(daily_total_usd), 0)").
		Where("user_id = ?", userID).
		Where("date >= ?", MonthStart(day)).
		Where("date <= ?", day).
		Scan(ctx, &u.Daily, &u.Monthly)
	if err != nil {
		return nil, fmt.Errorf("failed to read limit usage: %w", err)
	}
	return &u, nil
}

// RecordUsage increments the day's row, creating it if absent.
func (s *pgStore) RecordUsage(ctx context.Context, userID string, day time.Time, amountUSD decimal.Decimal, at time.Time) error {
	_, err := s.db.NewInsert().
		Model(&LimitUsageDao{
			UserID:            userID,
			Date:              day,
			DailyTotalUSD:     amountUSD,
			TransactionCount:  1,
			LastTransactionAt: at,
		}).
		On("CONFLICT (user_id, date) DO UPDATE").
		Set("daily_total_usd = lu.daily_total_usd + EXCLUDED.daily_total_usd").
		Set("transaction_count = lu.transaction_count + 1").
		Set("last_transaction_at = EXCLUDED.last_transaction_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record limit usage: %w", err)
	}
	return nil
}

const reserveUsageSQL = `
INSERT INTO limit_usage AS lu (user_id, date, daily_total_usd, transaction_count, last_transaction_at)
SELECT ?0, ?1, ?2::numeric, 1, ?3
WHERE ?2::numeric <= ?4::numeric
  AND (SELECT COALESCE(SUM(daily_total_usd), 0) FROM limit_usage
       WHERE user_id = ?0 AND date >= ?5 AND date <= ?1) + ?2::numeric <= ?6::numeric
ON CONFLICT (user_id, date) DO UPDATE
SET daily_total_usd = lu.daily_total_usd + EXCLUDED.daily_total_usd,
    transaction_count = lu.transaction_count + 1,
    last_transaction_at = EXCLUDED.last_transaction_at
WHERE lu.daily_total_usd + EXCLUDED.daily_total_usd <= ?4::numeric
  AND (SELECT COALESCE(SUM(daily_total_usd), 0) FROM limit_usage
       WHERE user_id = ?0 AND date >= ?5 AND date <= ?1) + EXCLUDED.daily_total_usd <= ?6::numeric`

// ReserveUsage increments the day's row only if the daily and monthly totals
// stay within the limits. It reports false when the reservation was refused.
// Reservations of one user are serialized on an advisory lock so the monthly
// sum is read after every earlier reservation committed.
func (s *pgStore) ReserveUsage(
	ctx context.Context,
	userID string,
	day time.Time,
	amountUSD, dailyLimit, monthlyLimit decimal.Decimal,
	at time.Time,
) (bool, error) {
	var reserved bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", "limit_usage:"+userID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to lock limit usage: %w", err)
		}
		res, err := tx.NewRaw(reserveUsageSQL,
			userID, day, amountUSD, at, dailyLimit, MonthStart(day), monthlyLimit,
		).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to reserve limit usage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		reserved = n == 1
		return nil
	})
	return reserved, err
}

// CreateSchema creates the limit_usage table.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if err := mghelper.CreateSchema(ctx, db, &LimitUsageDao{}); err != nil {
		return err
	}
	return mghelper.AddCheckConstraint(ctx, db, (*LimitUsageDao)(nil),
		"chk_limit_usage_non_negative", "daily_total_usd >= 0")
}

// DropSchema drops the limit_usage table.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &LimitUsageDao{})
}
