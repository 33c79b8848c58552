package kyc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

type pgStore struct {
	db bun.IDB
}

// NewStore creates a new postgres implementation of the KYC reader
func NewStore(db bun.IDB) *pgStore {
	return &pgStore{db: db}
}

func (s *pgStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	dao := new(KYCProfileDao)
	err := s.db.NewSelect().Model(dao).Where("user_id = ?", userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get kyc profile: %w", err)
	}
	return &Profile{UserID: dao.UserID, Tier: dao.Tier, Status: Status(dao.Status)}, nil
}

func (s *pgStore) GetTier(ctx context.Context, name string) (*Tier, error) {
	dao := new(KYCTierDao)
	err := s.db.NewSelect().Model(dao).Where("tier = ?", name).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTierNotFound, name)
		}
		return nil, fmt.Errorf("failed to get kyc tier: %w", err)
	}
	return &Tier{
		Name:                      dao.Tier,
		DailyLimitUSD:             dao.DailyLimitUSD,
		MonthlyLimitUSD:           dao.MonthlyLimitUSD,
		SingleTransactionLimitUSD: dao.SingleTransactionLimitUSD,
	}, nil
}

func (s *pgStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	dao := new(AdminSettingDao)
	err := s.db.NewSelect().Model(dao).Where("key = ?", key).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get admin setting: %w", err)
	}
	return dao.Value, true, nil
}

// UpsertTier writes a tier row. Used by seeding and tests.
func (s *pgStore) UpsertTier(ctx context.Context, t *Tier) error {
	_, err := s.db.NewInsert().
		Model(&KYCTierDao{
			Tier:                      t.Name,
			DailyLimitUSD:             t.DailyLimitUSD,
			MonthlyLimitUSD:           t.MonthlyLimitUSD,
			SingleTransactionLimitUSD: t.SingleTransactionLimitUSD,
		}).
		On("CONFLICT (tier) DO UPDATE").
		Set("daily_limit_usd = EXCLUDED.daily_limit_usd").
		Set("monthly_limit_usd = EXCLUDED.monthly_limit_usd").
		Set("single_transaction_limit_usd = EXCLUDED.single_transaction_limit_usd").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert kyc tier: %w", err)
	}
	return nil
}

// UpsertProfile writes a profile row. Used by seeding and tests.
func (s *pgStore) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.NewInsert().
		Model(&KYCProfileDao{UserID: p.UserID, Tier: p.Tier, Status: string(p.Status)}).
		On("CONFLICT (user_id) DO UPDATE").
		Set("tier = EXCLUDED.tier").
		Set("status = EXCLUDED.status").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert kyc profile: %w", err)
	}
	return nil
}

// SetSetting writes an admin setting. Used by seeding and tests.
func (s *pgStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.NewInsert().
		Model(&AdminSettingDao{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set admin setting: %w", err)
	}
	return nil
}

// CreateSchema creates the KYC reference tables and seeds DefaultTiers.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if err := mghelper.CreateSchema(ctx, db, &KYCTierDao{}, &KYCProfileDao{}, &AdminSettingDao{}); err != nil {
		return err
	}
	tiers := append([]KYCTierDao(nil), DefaultTiers...)
	_, err := db.NewInsert().Model(&tiers).On("CONFLICT (tier) DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed kyc tiers: %w", err)
	}
	return nil
}

// DropSchema drops the KYC reference tables.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &AdminSettingDao{}, &KYCProfileDao{}, &KYCTierDao{})
}
