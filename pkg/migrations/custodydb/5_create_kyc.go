package custodydb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/kyc"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating kyc_tiers, kyc_profiles and admin_settings tables...")
		return kyc.CreateSchema(ctx, db)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping kyc_tiers, kyc_profiles and admin_settings tables...")
		return kyc.DropSchema(ctx, db)
	})
}
