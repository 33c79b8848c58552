// Package reconciler rebuilds each user's authoritative balance from chain
// state and the internal transaction log.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

// Status is the outcome of reconciling one (user, token) pair.
type Status string

const (
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	StatusConflict  Status = "conflict"
	StatusDegraded  Status = "degraded"
)

// ChainReader is the part of the chain scanner the reconciler reads.
type ChainReader interface {
	HeadBlock(ctx context.Context, chainID int64) (uint64, error)
	Balance(ctx context.Context, chainID int64, token chain.Token, wallet common.Address, block *big.Int) (decimal.Decimal, error)
	Receipt(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error)
}

// Wallets resolves custodial wallets.
type Wallets interface {
	Wallet(ctx context.Context, userID string, chainID int64) (*custody.Wallet, error)
	ListWallets(ctx context.Context, chainID int64) ([]*custody.Wallet, error)
}

// Store is the ledger access the reconciler needs.
type Store interface {
	GetBalance(ctx context.Context, userID, token string, chainID int64) (*ledger.WalletBalance, error)
	SetBalance(ctx context.Context, userID, token string, chainID int64, balance decimal.Decimal, expectedVersion int64) error
	Totals(ctx context.Context, userID, token string) (*ledger.Totals, error)
	Sweeps(ctx context.Context, userID string) ([]*ledger.Transaction, error)
	BalanceOwners(ctx context.Context) ([]string, error)
}

// Inputs are the terms of the balance formula.
type Inputs struct {
	OnChain         decimal.Decimal
	InternalCredits decimal.Decimal
	InternalDebits  decimal.Decimal
	Withdrawals     decimal.Decimal
	Sweeps          decimal.Decimal
}

// Compute returns on_chain + credits - debits - withdrawals + swept.
// Debits and withdrawals already include their fees.
func Compute(in Inputs) decimal.Decimal {
	return in.OnChain.
		Add(in.InternalCredits).
		Sub(in.InternalDebits).
		Sub(in.Withdrawals).
		Add(in.Sweeps)
}

// Result describes one reconciled balance.
type Result struct {
	UserID   string
	Token    string
	Previous decimal.Decimal
	Balance  decimal.Decimal
	Status   Status
	Inputs   Inputs
	Err      error
}

// Report summarizes a ReconcileAll run.
type Report struct {
	Results   []*Result
	Updated   int
	Unchanged int
	Conflicts int
	Degraded  int
	Duration  time.Duration
}

func (r *Report) add(res *Result) {
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusUpdated:
		r.Updated++
	case StatusUnchanged:
		r.Unchanged++
	case StatusConflict:
		r.Conflicts++
	case StatusDegraded:
		r.Degraded++
	}
}

// Reconciler handles synchronization between chain state and the ledger
type Reconciler struct {
	registry *chain.Registry
	chain    ChainReader
	wallets  Wallets
	store    Store
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a new Reconciler. runTimeout bounds each Run.
func New(
	registry *chain.Registry,
	chainReader ChainReader,
	wallets Wallets,
	store Store,
	runTimeout time.Duration,
	logger *zap.Logger,
) *Reconciler {
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}
	return &Reconciler{
		registry: registry,
		chain:    chainReader,
		wallets:  wallets,
		store:    store,
		timeout:  runTimeout,
		logger:   logger,
	}
}

// Reconcile recomputes one user's aggregate balance of token and stores it
// through a version CAS. Running it twice without intervening activity
// yields the same balance.
func (r *Reconciler) Reconcile(ctx context.Context, userID, token string) (*Result, error) {
	token = ledger.NormalizeToken(token)
	res := &Result{UserID: userID, Token: token}

	current, err := r.store.GetBalance(ctx, userID, token, ledger.AggregateChain)
	if err != nil {
		return nil, err
	}
	res.Previous = current.Balance

	heads, onChain, err := r.onChain(ctx, userID, token)
	if err != nil {
		return r.degraded(res, err), nil
	}
	totals, err := r.store.Totals(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	sweeps, err := r.sweptSince(ctx, userID, token, heads)
	if err != nil {
		return r.degraded(res, err), nil
	}

	res.Inputs = Inputs{
		OnChain:         onChain,
		InternalCredits: totals.InternalCredits,
		InternalDebits:  totals.InternalDebits,
		Withdrawals:     totals.Withdrawals,
		Sweeps:          sweeps,
	}
	res.Balance = Compute(res.Inputs)

	if res.Balance.IsNegative() {
		metrics.InconsistenciesTotal.WithLabelValues("reconciler").Inc()
		metrics.ReconciliationsTotal.WithLabelValues("inconsistent").Inc()
		r.logger.Error("Reconciled balance is negative",
			zap.String("user_id", userID),
			zap.String("token", token),
			zap.String("balance", res.Balance.String()),
			zap.String("on_chain", onChain.String()),
			zap.String("internal_credits", totals.InternalCredits.String()),
			zap.String("internal_debits", totals.InternalDebits.String()),
			zap.String("withdrawals", totals.Withdrawals.String()),
			zap.String("sweeps", sweeps.String()))
		return nil, ledger.Inconsistencyf("reconciled %s balance of user %s is %s", token, userID, res.Balance)
	}

	if res.Balance.Equal(current.Balance) && current.Version > 0 {
		res.Status = StatusUnchanged
		metrics.ReconciliationsTotal.WithLabelValues(string(res.Status)).Inc()
		return res, nil
	}

	err = r.store.SetBalance(ctx, userID, token, ledger.AggregateChain, res.Balance, current.Version)
	switch {
	case errors.Is(err, ledger.ErrBalanceConflict):
		res.Status = StatusConflict
		r.logger.Info("Balance moved during reconciliation, retrying next run",
			zap.String("user_id", userID),
			zap.String("token", token))
	case err != nil:
		return nil, err
	default:
		res.Status = StatusUpdated
		r.logger.Info("Balance reconciled",
			zap.String("user_id", userID),
			zap.String("token", token),
			zap.String("previous", res.Previous.String()),
			zap.String("balance", res.Balance.String()))
	}
	metrics.ReconciliationsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (r *Reconciler) degraded(res *Result, err error) *Result {
	res.Status = StatusDegraded
	res.Err = err
	metrics.ReconciliationsTotal.WithLabelValues(string(StatusDegraded)).Inc()
	r.logger.Warn("Reconciliation degraded",
		zap.String("user_id", res.UserID),
		zap.String("token", res.Token),
		zap.Error(err))
	return res
}

// onChain sums the user's custodial balances of token across chains, each
// read at that chain's head. The heads are returned for sweep counting.
func (r *Reconciler) onChain(ctx context.Context, userID, symbol string) (map[int64]uint64, decimal.Decimal, error) {
	heads := make(map[int64]uint64)
	total := decimal.Zero
	for _, c := range r.registry.Chains() {
		token, ok := c.Token(symbol)
		if !ok {
			continue
		}
		w, err := r.wallets.Wallet(ctx, userID, c.ID)
		if errors.Is(err, custody.ErrWalletNotFound) {
			continue
		}
		if err != nil {
			return nil, decimal.Zero, err
		}
		head, err := r.chain.HeadBlock(ctx, c.ID)
		if err != nil {
			return nil, decimal.Zero, err
		}
		bal, err := r.chain.Balance(ctx, c.ID, token, w.Address, new(big.Int).SetUint64(head))
		if err != nil {
			return nil, decimal.Zero, err
		}
		heads[c.ID] = head
		total = total.Add(bal)
	}
	return heads, total, nil
}

// sweptSince sums what left the user's wallets for the treasury at or before
// the block each chain was read at. Sweeps of token count their amount. Every
// sweep on a chain whose native asset is token also counts its gas, even when
// it reverted.
func (r *Reconciler) sweptSince(ctx context.Context, userID, token string, heads map[int64]uint64) (decimal.Decimal, error) {
	sweeps, err := r.store.Sweeps(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, s := range sweeps {
		head, ok := heads[s.ChainID]
		if !ok {
			continue
		}
		c, err := r.registry.Chain(s.ChainID)
		if err != nil {
			continue
		}
		sameToken := ledger.NormalizeToken(s.Token) == token
		paysGas := c.Native.Symbol == token
		if !sameToken && !paysGas {
			continue
		}

		mined, succeeded, err := r.sweepOutcome(ctx, s, head)
		if err != nil {
			return decimal.Zero, err
		}
		if !mined {
			continue
		}
		if succeeded && sameToken {
			total = total.Add(s.Amount)
		}
		if paysGas {
			total = total.Add(s.GasFee)
		}
	}
	return total, nil
}

// sweepOutcome reports whether the sweep was mined at or before head and,
// if so, whether it succeeded.
func (r *Reconciler) sweepOutcome(ctx context.Context, s *ledger.Transaction, head uint64) (bool, bool, error) {
	switch s.Status {
	case ledger.StatusCompleted:
		return s.BlockNumber <= head, true, nil
	case ledger.StatusFailed:
		// unsent sweeps never reached a block
		return s.BlockNumber > 0 && s.BlockNumber <= head, false, nil
	}

	receipt, err := r.chain.Receipt(ctx, s.ChainID, common.HexToHash(s.TxHash))
	if err != nil {
		return false, false, err
	}
	if receipt == nil || receipt.BlockNumber == nil || receipt.BlockNumber.Uint64() > head {
		return false, false, nil
	}
	return true, receipt.Status == types.ReceiptStatusSuccessful, nil
}

// ReconcileAll reconciles every known user and token. Degraded pairs and CAS
// conflicts are reported and retried on the next run; an internal
// inconsistency halts the run.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	users, err := r.users(ctx)
	if err != nil {
		return report, err
	}
	tokens := r.registry.Symbols()

	r.logger.Info("Starting reconciliation",
		zap.Int("users", len(users)),
		zap.Int("tokens", len(tokens)))

	for _, userID := range users {
		for _, token := range tokens {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res, err := r.Reconcile(ctx, userID, token)
			if err != nil {
				report.Duration = time.Since(start)
				return report, fmt.Errorf("reconcile %s %s: %w", userID, token, err)
			}
			report.add(res)
		}
	}

	report.Duration = time.Since(start)
	r.logger.Info("Reconciliation completed",
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("degraded", report.Degraded),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// users returns balance owners plus every custodial wallet owner, so a first
// deposit produces a balance row.
func (r *Reconciler) users(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	owners, err := r.store.BalanceOwners(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range owners {
		set[u] = struct{}{}
	}
	for _, c := range r.registry.Chains() {
		wallets, err := r.wallets.ListWallets(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list wallets on chain %d: %w", c.ID, err)
		}
		for _, w := range wallets {
			set[w.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// Run performs one ReconcileAll bounded by the run timeout. Scheduled
// callers use it so a stuck chain cannot overlap the next run.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ReconcileAll(ctx)
	if err != nil {
		r.logger.Error("Reconciliation run failed", zap.Error(err))
	}
	return err
}
