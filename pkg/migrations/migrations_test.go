package migrations

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/custody-core/pkg/ledgerstore"
	"github.com/chainsafe/custody-core/pkg/migrations/custodydb"
	mghelper "github.com/chainsafe/custody-core/pkg/pgutil"
)

var custodyTables = []string{
	"wallet_balances",
	"transactions",
	"custodial_wallets",
	"scan_cursors",
	"nonce_state",
	"kyc_tiers",
	"kyc_profiles",
	"admin_settings",
	"limit_usage",
	"staking_positions",
}

func migrateUp(t *testing.T, migrator *migrate.Migrator) *migrate.MigrationGroup {
	t.Helper()
	ctx := context.Background()

	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return group
}

func TestCustodyDBMigrations_Apply(t *testing.T) {
	db, cleanup := mghelper.SetupTestDB(t)
	defer cleanup()

	group := migrateUp(t, migrate.NewMigrator(db, custodydb.Migrations))
	if group.IsZero() {
		t.Error("Expected migrations to run, but none were applied")
	}

	for _, table := range append(custodyTables, "bun_migrations") {
		mghelper.AssertTableExists(t, db, table)
	}

	mghelper.AssertIndexExists(t, db, "idx_transactions_hash_log_index")
	mghelper.AssertIndexExists(t, db, "idx_transactions_status")
	mghelper.AssertIndexExists(t, db, "idx_custodial_wallets_chain_address")
	mghelper.AssertIndexExists(t, db, "idx_staking_positions_user_id")
}

func TestMigrations_Idempotency(t *testing.T) {
	db, cleanup := mghelper.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, custodydb.Migrations)
	migrateUp(t, migrator)

	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Second Migrate() failed: %v", err)
	}
	if !group.IsZero() {
		t.Error("Expected no new migrations on second run")
	}

	mghelper.AssertTableExists(t, db, "wallet_balances")
	mghelper.AssertTableExists(t, db, "transactions")
}

func TestMigrations_Rollback(t *testing.T) {
	db, cleanup := mghelper.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, custodydb.Migrations)
	migrateUp(t, migrator)

	// Migrate() applies everything as one group, so one rollback drops all tables.
	group, err := migrator.Rollback(ctx)
	if err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if group.IsZero() {
		t.Error("Expected rollback to process a migration")
	}

	for _, table := range custodyTables {
		mghelper.AssertTableNotExists(t, db, table)
	}
}

func TestKYCTierSeed_Applied(t *testing.T) {
	db, cleanup := mghelper.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrateUp(t, migrate.NewMigrator(db, custodydb.Migrations))

	mghelper.AssertRowCount(t, db, "kyc_tiers", 3)

	var tiers []struct {
		Tier          string          `bun:"tier"`
		DailyLimitUSD decimal.Decimal `bun:"daily_limit_usd"`
	}
	err := db.NewSelect().
		TableExpr("kyc_tiers").
		Column("tier", "daily_limit_usd").
		Order("daily_limit_usd ASC").
		Scan(ctx, &tiers)
	if err != nil {
		t.Fatalf("Failed to query kyc tiers: %v", err)
	}
	if len(tiers) != 3 {
		t.Fatalf("Expected 3 tiers, got %d", len(tiers))
	}
	if tiers[0].Tier != "basic" || !tiers[0].DailyLimitUSD.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected basic tier with 500 daily limit first, got %s %s", tiers[0].Tier, tiers[0].DailyLimitUSD)
	}
	if tiers[2].Tier != "premium" {
		t.Errorf("Expected premium tier last, got %s", tiers[2].Tier)
	}
}

func TestLedgerConstraints_Applied(t *testing.T) {
	db, cleanup := mghelper.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrateUp(t, migrate.NewMigrator(db, custodydb.Migrations))

	_, err := db.NewInsert().
		Model(&ledgerstore.WalletBalanceDao{
			UserID:  "alice",
			Token:   "USDC",
			ChainID: 1,
			Balance: decimal.NewFromInt(-5),
		}).
		Exec(ctx)
	if err == nil {
		t.Error("Expected negative balance insert to fail due to chk_wallet_balances_non_negative")
	}
	mghelper.AssertRowCount(t, db, "wallet_balances", 0)
}
