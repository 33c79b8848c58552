package custodydb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/recorder"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating scan_cursors table...")
		return recorder.CreateSchema(ctx, db)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping scan_cursors table...")
		return recorder.DropSchema(ctx, db)
	})
}
