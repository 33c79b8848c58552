package nonce

import (
	"time"

	"github.com/uptrace/bun"
)

// NonceStateDao maps to the 'nonce_state' table. Nonce is the last nonce
// handed out for the address on the chain.
type NonceStateDao struct {
	bun.BaseModel `bun:"table:nonce_state,alias:ns"`
	ChainID       int64     `bun:"chain_id,pk"`
	Address       string    `bun:"address,pk,type:varchar(42)"`
	Nonce         int64     `bun:"nonce,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
