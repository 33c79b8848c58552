package kyc

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// KYCTierDao maps to the 'kyc_tiers' reference table.
type KYCTierDao struct {
	bun.BaseModel             `bun:"table:kyc_tiers,alias:kt"`
	Tier                      string          `bun:"tier,pk,type:varchar(32)"`
	DailyLimitUSD             decimal.Decimal `bun:"daily_limit_usd,notnull,type:numeric(20,2)"`
	MonthlyLimitUSD           decimal.Decimal `bun:"monthly_limit_usd,notnull,type:numeric(20,2)"`
	SingleTransactionLimitUSD decimal.Decimal `bun:"single_transaction_limit_usd,notnull,type:numeric(20,2)"`
}

// KYCProfileDao maps to the 'kyc_profiles' table.
type KYCProfileDao struct {
	bun.BaseModel `bun:"table:kyc_profiles,alias:kp"`
	UserID        string    `bun:"user_id,pk,type:varchar(64)"`
	Tier          string    `bun:"tier,notnull,type:varchar(32)"`
	Status        string    `bun:"status,notnull,type:varchar(16)"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// AdminSettingDao maps to the 'admin_settings' key/value table.
type AdminSettingDao struct {
	bun.BaseModel `bun:"table:admin_settings,alias:ads"`
	Key           string    `bun:"key,pk,type:varchar(128)"`
	Value         string    `bun:"value,notnull,type:text"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// DefaultTiers seed kyc_tiers on a fresh database.
var DefaultTiers = []KYCTierDao{
	{Tier: "basic", DailyLimitUSD: decimal.NewFromInt(500), MonthlyLimitUSD: decimal.NewFromInt(5000), SingleTransactionLimitUSD: decimal.NewFromInt(250)},
	{Tier: "verified", DailyLimitUSD: decimal.NewFromInt(10000), MonthlyLimitUSD: decimal.NewFromInt(100000), SingleTransactionLimitUSD: decimal.NewFromInt(5000)},
	{Tier: "premium", DailyLimitUSD: decimal.NewFromInt(100000), MonthlyLimitUSD: decimal.NewFromInt(1000000), SingleTransactionLimitUSD: decimal.NewFromInt(50000)},
}
