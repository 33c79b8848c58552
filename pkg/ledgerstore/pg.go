// Package ledgerstore is the Postgres implementation of the balance ledger.
// Every balance mutation is a single conditional statement so concurrent
// invocations serialize on the row instead of in application memory.
package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/chainsafe/custody-core/pkg/ledger"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the ledger store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// GetBalance returns the stored balance. A missing row is a zero balance at version 0.
func (s *pgStore) GetBalance(ctx context.Context, userID, token string, chainID int64) (*ledger.WalletBalance, error) {
	return getBalance(ctx, s.db, userID, ledger.NormalizeToken(token), chainID)
}

func getBalance(ctx context.Context, db bun.IDB, userID, token string, chainID int64) (*ledger.WalletBalance, error) {
	dao := new(WalletBalanceDao)
	err := db.NewSelect().
		Model(dao).
		Where("user_id = ?", userID).
		Where("token = ?", token).
		Where("chain_id = ?", chainID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ledger.WalletBalance{UserID: userID, Token: token, ChainID: chainID}, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return toWalletBalance(dao), nil
}

// ListBalances returns every aggregate balance row of a user.
func (s *pgStore) ListBalances(ctx context.Context, userID string) ([]*ledger.WalletBalance, error) {
	var daos []WalletBalanceDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("user_id = ?", userID).
		Where("chain_id = ?", ledger.AggregateChain).
		Order("token ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	out := make([]*ledger.WalletBalance, len(daos))
	for i := range daos {
		out[i] = toWalletBalance(&daos[i])
	}
	return out, nil
}

// Credit adds amount to the aggregate balance and appends entry in one database transaction.
func (s *pgStore) Credit(ctx context.Context, userID, token string, amount decimal.Decimal, entry *ledger.Transaction) error {
	if !amount.IsPositive() {
		return ledger.Validationf("credit amount must be positive, got %s", amount)
	}
	token = ledger.NormalizeToken(token)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := credit(ctx, tx, userID, token, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

// Debit subtracts amount from the aggregate balance if and only if the stored
// balance covers it, and appends entry in the same database transaction.
func (s *pgStore) Debit(ctx context.Context, userID, token string, amount decimal.Decimal, entry *ledger.Transaction) error {
	if !amount.IsPositive() {
		return ledger.Validationf("debit amount must be positive, got %s", amount)
	}
	token = ledger.NormalizeToken(token)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := debit(ctx, tx, userID, token, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

// Transfer moves amount between two users and appends one internal entry.
func (s *pgStore) Transfer(ctx context.Context, fromUserID, toUserID, token string, amount decimal.Decimal, entry *ledger.Transaction) error {
	if !amount.IsPositive() {
		return ledger.Validationf("transfer amount must be positive, got %s", amount)
	}
	if fromUserID == toUserID {
		return ledger.Validationf("sender and recipient are the same user")
	}
	token = ledger.NormalizeToken(token)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := debit(ctx, tx, fromUserID, token, amount); err != nil {
			return err
		}
		if err := credit(ctx, tx, toUserID, token, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

// SetBalance overwrites a balance only if its version still equals expectedVersion.
// Version 0 means the row must not exist yet.
func (s *pgStore) SetBalance(
	ctx context.Context,
	userID, token string,
	chainID int64,
	balance decimal.Decimal,
	expectedVersion int64,
) error {
	if balance.IsNegative() {
		return ledger.Inconsistencyf("refusing to store negative balance %s for user %s token %s", balance, userID, token)
	}
	token = ledger.NormalizeToken(token)

	if expectedVersion == 0 {
		res, err := s.db.NewInsert().
			Model(&WalletBalanceDao{
				UserID:    userID,
				Token:     token,
				ChainID:   chainID,
				Balance:   balance,
				Version:   1,
				UpdatedAt: time.Now().UTC(),
			}).
			On("CONFLICT (user_id, token, chain_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		return requireOneRow(res, ledger.ErrBalanceConflict)
	}

	res, err := s.db.NewUpdate().
		Model((*WalletBalanceDao)(nil)).
		Set("balance = ?::numeric", balance).
		Set("version = version + 1").
		Set("updated_at = now()").
		Where("user_id = ?", userID).
		Where("token = ?", token).
		Where("chain_id = ?", chainID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return requireOneRow(res, ledger.ErrBalanceConflict)
}

// InsertTransaction appends a chain-observed entry. It reports false when an
// entry with the same (transaction_hash, log_index) already exists.
func (s *pgStore) InsertTransaction(ctx context.Context, entry *ledger.Transaction) (bool, error) {
	res, err := s.db.NewInsert().
		Model(toTransactionDao(entry)).
		On("CONFLICT (transaction_hash, log_index) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReserveWithdrawal debits the total and inserts the pending entry atomically.
func (s *pgStore) ReserveWithdrawal(ctx context.Context, entry *ledger.Transaction) error {
	if entry.SenderID == "" {
		return ledger.Validationf("withdrawal entry has no sender")
	}
	return s.Debit(ctx, entry.SenderID, entry.Token, entry.Total(), entry)
}

// TransactionsByHash returns every entry recorded under a chain transaction hash.
func (s *pgStore) TransactionsByHash(ctx context.Context, hash string) ([]*ledger.Transaction, error) {
	var daos []TransactionDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("transaction_hash = ?", hash).
		Order("log_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions by hash: %w", err)
	}
	return toTransactions(daos), nil
}

// GetTransaction returns one entry by id.
func (s *pgStore) GetTransaction(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	dao := new(TransactionDao)
	err := s.db.NewSelect().Model(dao).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return toTransaction(dao), nil
}

// ListTransactions returns the most recent entries a user is party to.
func (s *pgStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	var daos []TransactionDao
	err := s.db.NewSelect().
		Model(&daos).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("sender_id = ?", userID).WhereOr("recipient_id = ?", userID)
		}).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return toTransactions(daos), nil
}

// ListPending returns pending entries of the given type, oldest first.
func (s *pgStore) ListPending(ctx context.Context, txType ledger.TxType, limit int) ([]*ledger.Transaction, error) {
	var daos []TransactionDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("type = ?", string(txType)).
		Where("status = ?", string(ledger.StatusPending)).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return toTransactions(daos), nil
}

// Complete moves a pending entry to completed and records its inclusion block
// and the gas it paid. It reports false if the entry was no longer pending.
func (s *pgStore) Complete(ctx context.Context, id uuid.UUID, blockNumber uint64, gasFee decimal.Decimal) (bool, error) {
	return settlePending(ctx, s.db, id, ledger.StatusCompleted, blockNumber, gasFee)
}

// FailMined moves a pending entry whose transaction was mined but reverted
// to failed, keeping the block and gas paid. Balances are not touched.
func (s *pgStore) FailMined(ctx context.Context, id uuid.UUID, blockNumber uint64, gasFee decimal.Decimal) (bool, error) {
	return settlePending(ctx, s.db, id, ledger.StatusFailed, blockNumber, gasFee)
}

// Fail moves a pending entry to failed without touching balances.
func (s *pgStore) Fail(ctx context.Context, id uuid.UUID) (bool, error) {
	return failPending(ctx, s.db, id)
}

// FailAndRefund moves a pending entry to failed and credits its total back to
// the sender in one database transaction. A second call is a no-op.
func (s *pgStore) FailAndRefund(ctx context.Context, id uuid.UUID) (bool, error) {
	var refunded bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		dao := new(TransactionDao)
		err := tx.NewUpdate().
			Model(dao).
			Set("status = ?", string(ledger.StatusFailed)).
			Where("id = ?", id).
			Where("status = ?", string(ledger.StatusPending)).
			Returning("*").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to mark transaction failed: %w", err)
		}
		if dao.SenderID == nil {
			return ledger.Inconsistencyf("pending transaction %s has no sender to refund", id)
		}
		if err := credit(ctx, tx, *dao.SenderID, dao.Token, dao.Amount.Add(dao.Fee)); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	return refunded, err
}

// Totals sums the ledger-side reconciliation inputs of one user and token.
// Failed entries never count.
func (s *pgStore) Totals(ctx context.Context, userID, token string) (*ledger.Totals, error) {
	var totals ledger.Totals
	err := s.db.NewSelect().
		Model((*TransactionDao)(nil)).
		ColumnExpr("COALESCE(SUM(amount) FILTER (WHERE type = ? AND recipient_id = ?), 0)",
			string(ledger.TypeInternal), userID).
		ColumnExpr("COALESCE(SUM(amount + fee) FILTER (WHERE type = ? AND sender_id = ?), 0)",
			string(ledger.TypeInternal), userID).
		ColumnExpr("COALESCE(SUM(amount + fee) FILTER (WHERE purpose = ? AND sender_id = ?), 0)",
			string(ledger.PurposeUserWithdrawal), userID).
		Where("token = ?", ledger.NormalizeToken(token)).
		Where("status <> ?", string(ledger.StatusFailed)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("sender_id = ?", userID).WhereOr("recipient_id = ?", userID)
		}).
		Scan(ctx, &totals.InternalCredits, &totals.InternalDebits, &totals.Withdrawals)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger totals: %w", err)
	}
	return &totals, nil
}

// Sweeps returns every sweep entry originating from a user's wallets,
// including failed ones, which may still have paid gas.
func (s *pgStore) Sweeps(ctx context.Context, userID string) ([]*ledger.Transaction, error) {
	var daos []TransactionDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("type = ?", string(ledger.TypeSweep)).
		Where("sender_id = ?", userID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps: %w", err)
	}
	return toTransactions(daos), nil
}

// BalanceOwners returns every user that has an aggregate balance row.
func (s *pgStore) BalanceOwners(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.NewSelect().
		Model((*WalletBalanceDao)(nil)).
		Distinct().
		Column("user_id").
		Where("chain_id = ?", ledger.AggregateChain).
		Order("user_id ASC").
		Scan(ctx, &users)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance owners: %w", err)
	}
	return users, nil
}

func credit(ctx context.Context, db bun.IDB, userID, token string, amount decimal.Decimal) error {
	_, err := db.NewInsert().
		Model(&WalletBalanceDao{
			UserID:    userID,
			Token:     token,
			ChainID:   ledger.AggregateChain,
			Balance:   amount,
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}).
		On("CONFLICT (user_id, token, chain_id) DO UPDATE").
		Set("balance = wb.balance + EXCLUDED.balance").
		Set("version = wb.version + 1").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func debit(ctx context.Context, db bun.IDB, userID, token string, amount decimal.Decimal) error {
	res, err := db.NewUpdate().
		Model((*WalletBalanceDao)(nil)).
		Set("balance = balance - ?::numeric", amount).
		Set("version = version + 1").
		Set("updated_at = now()").
		Where("user_id = ?", userID).
		Where("token = ?", token).
		Where("chain_id = ?", ledger.AggregateChain).
		Where("balance >= ?::numeric", amount).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := getBalance(ctx, db, userID, token, ledger.AggregateChain)
	if err != nil {
		return err
	}
	return &ledger.InsufficientBalanceError{Token: token, Required: amount, Available: current.Balance}
}

func insertEntry(ctx context.Context, db bun.IDB, entry *ledger.Transaction) error {
	if entry == nil {
		return nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := db.NewInsert().
		Model(toTransactionDao(entry)).
		On("CONFLICT (transaction_hash, log_index) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return requireOneRow(res, ledger.ErrDuplicateTransaction)
}

func settlePending(
	ctx context.Context,
	db bun.IDB,
	id uuid.UUID,
	status ledger.Status,
	blockNumber uint64,
	gasFee decimal.Decimal,
) (bool, error) {
	res, err := db.NewUpdate().
		Model((*TransactionDao)(nil)).
		Set("status = ?", string(status)).
		Set("block_number = ?", int64(blockNumber)).
		Set("gas_fee = ?::numeric", gasFee).
		Where("id = ?", id).
		Where("status = ?", string(ledger.StatusPending)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to settle transaction: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func failPending(ctx context.Context, db bun.IDB, id uuid.UUID) (bool, error) {
	res, err := db.NewUpdate().
		Model((*TransactionDao)(nil)).
		Set("status = ?", string(ledger.StatusFailed)).
		Where("id = ?", id).
		Where("status = ?", string(ledger.StatusPending)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func requireOneRow(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onZero
	}
	return nil
}

func toTransactions(daos []TransactionDao) []*ledger.Transaction {
	out := make([]*ledger.Transaction, len(daos))
	for i := range daos {
		out[i] = toTransaction(&daos[i])
	}
	return out
}
