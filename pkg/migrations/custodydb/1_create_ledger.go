package custodydb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/ledgerstore"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating wallet_balances and transactions tables...")
		return ledgerstore.CreateSchema(ctx, db)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping wallet_balances and transactions tables...")
		return ledgerstore.DropSchema(ctx, db)
	})
}
