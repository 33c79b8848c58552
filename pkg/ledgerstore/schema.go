package ledgerstore

import (
	"context"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/custody-core/pkg/pgutil/migrations"
)

// CreateSchema creates the ledger tables, their indexes and constraints.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if err := mghelper.CreateSchema(ctx, db, &WalletBalanceDao{}, &TransactionDao{}); err != nil {
		return err
	}
	if err := mghelper.AddCheckConstraint(ctx, db, (*WalletBalanceDao)(nil),
		"chk_wallet_balances_non_negative", "balance >= 0"); err != nil {
		return err
	}
	if err := mghelper.AddCheckConstraint(ctx, db, (*TransactionDao)(nil),
		"chk_transactions_amount_positive", "amount > 0"); err != nil {
		return err
	}
	if err := mghelper.CreateCompositeUniqueIndex(ctx, db, (*TransactionDao)(nil),
		"idx_transactions_hash_log_index", "transaction_hash", "log_index"); err != nil {
		return err
	}
	return mghelper.CreateModelIndexes(ctx, db, (*TransactionDao)(nil),
		"sender_id", "recipient_id", "status", "created_at")
}

// DropSchema drops the ledger tables.
func DropSchema(ctx context.Context, db bun.IDB) error {
	return mghelper.DropTables(ctx, db, &TransactionDao{}, &WalletBalanceDao{})
}
