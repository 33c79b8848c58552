package custodydb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/custody"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating custodial_wallets table...")
		return custody.CreateSchema(ctx, db)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping custodial_wallets table...")
		return custody.DropSchema(ctx, db)
	})
}
