package recorder

import (
	"time"

	"github.com/uptrace/bun"
)

// ScanCursorDao maps to the 'scan_cursors' table.
type ScanCursorDao struct {
	bun.BaseModel `bun:"table:scan_cursors,alias:sc"`
	ChainID       int64     `bun:"chain_id,pk"`
	Wallet        string    `bun:"wallet,pk,type:varchar(42)"`
	Token         string    `bun:"token,pk,type:varchar(32)"`
	LastBlock     int64     `bun:"last_block,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
