package limits

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// LimitUsageDao maps to the 'limit_usage' table, one row per user per day.
type LimitUsageDao struct {
	bun.BaseModel     `bun:"table:limit_usage,alias:lu"`
	UserID            string          `bun:"user_id,pk,type:varchar(64)"`
	Date              time.Time       `bun:"date,pk,type:date"`
	DailyTotalUSD     decimal.Decimal `bun:"daily_total_usd,notnull,type:numeric(38,18),default:0"`
	TransactionCount  int64           `bun:"transaction_count,notnull,default:0"`
	LastTransactionAt time.Time       `bun:"last_transaction_at,nullzero"`
}
