package custodydb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/nonce"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating nonce_state table...")
		return nonce.CreateSchema(ctx, db)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping nonce_state table...")
		return nonce.DropSchema(ctx, db)
	})
}
