// Package sweeper consolidates custodial wallet balances into each chain's
// treasury. Sweeps move custody only; user balances are unaffected.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ethereum"
	"github.com/chainsafe/custody-core/pkg/keys"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

// ErrInsufficientGas is returned when a wallet cannot pay for its own sweep.
var ErrInsufficientGas = errors.New("insufficient gas for sweep")

const (
	settleBatchSize = 500
	// settleAfter is the minimum age of a pending sweep without a receipt
	// before Settle broadcasts it again or gives it up.
	settleAfter = 2 * time.Minute
)

// ChainClient is the part of the chain scanner the sweeper uses.
type ChainClient interface {
	Balance(ctx context.Context, chainID int64, token chain.Token, wallet common.Address, block *big.Int) (decimal.Decimal, error)
	SendTransaction(ctx context.Context, chainID int64, tx *types.Transaction) error
	Receipt(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error)
	ConfirmedNonce(ctx context.Context, chainID int64, account common.Address) (uint64, error)
}

// Wallets lists custodial wallets and unlocks their keys.
type Wallets interface {
	ListWallets(ctx context.Context, chainID int64) ([]*custody.Wallet, error)
	Signer(ctx context.Context, w *custody.Wallet) (*keys.KeyPair, error)
}

// Transactor signs transfers.
type Transactor interface {
	GasPrice(ctx context.Context, c *chain.Chain) (*big.Int, error)
	SignTransfer(ctx context.Context, tr ethereum.Transfer) (*ethereum.Signed, error)
	Release(ctx context.Context, s *ethereum.Signed)
}

// Store is the part of the ledger store used to tag and settle sweeps.
type Store interface {
	InsertTransaction(ctx context.Context, entry *ledger.Transaction) (bool, error)
	ListPending(ctx context.Context, txType ledger.TxType, limit int) ([]*ledger.Transaction, error)
	Complete(ctx context.Context, id uuid.UUID, blockNumber uint64, gasFee decimal.Decimal) (bool, error)
	FailMined(ctx context.Context, id uuid.UUID, blockNumber uint64, gasFee decimal.Decimal) (bool, error)
	Fail(ctx context.Context, id uuid.UUID) (bool, error)
}

// Result is the outcome of one wallet/token sweep.
type Result struct {
	ChainID int64
	UserID  string
	Wallet  string
	Token   string
	TxHash  string
	Swept   bool
	Err     error
}

// SettleReport summarizes one Settle run.
type SettleReport struct {
	Completed int
	Failed    int
	Pending   int
	Errors    []error
}

// Sweeper moves custodial balances above the dust threshold to the treasury.
type Sweeper struct {
	registry    *chain.Registry
	chain       ChainClient
	wallets     Wallets
	transactor  Transactor
	store       Store
	settleAfter time.Duration
	logger      *zap.Logger
}

// New creates a new Sweeper
func New(
	registry *chain.Registry,
	chainClient ChainClient,
	wallets Wallets,
	transactor Transactor,
	store Store,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		registry:    registry,
		chain:       chainClient,
		wallets:     wallets,
		transactor:  transactor,
		store:       store,
		settleAfter: settleAfter,
		logger:      logger,
	}
}

// Sweep sends the wallet's full balance of symbol to the treasury. It is a
// no-op when the balance does not exceed the token's dust threshold. The
// sweep row is written with its final hash before broadcast so the recorder
// recognizes the transfer as a sweep.
func (s *Sweeper) Sweep(ctx context.Context, w *custody.Wallet, symbol string) (string, bool, error) {
	c, token, err := s.registry.Token(w.ChainID, symbol)
	if err != nil {
		return "", false, err
	}

	balance, err := s.chain.Balance(ctx, c.ID, token, w.Address, nil)
	if err != nil {
		return "", false, err
	}
	if !balance.IsPositive() || balance.LessThanOrEqual(token.Dust) {
		return "", false, nil
	}

	gasPrice, err := s.transactor.GasPrice(ctx, c)
	if err != nil {
		return "", false, err
	}
	gasCost := ethereum.GasCost(token, gasPrice)
	gasFee := chain.ToDecimal(gasCost, c.Native.Decimals)

	amount, err := s.sweepAmount(ctx, c, token, w, balance, gasCost)
	if err != nil {
		return "", false, err
	}

	kp, err := s.wallets.Signer(ctx, w)
	if err != nil {
		return "", false, err
	}
	signed, err := s.transactor.SignTransfer(ctx, ethereum.Transfer{
		Chain:    c,
		Token:    token,
		From:     kp,
		To:       c.Treasury,
		Amount:   amount,
		GasPrice: gasPrice,
	})
	if err != nil {
		return "", false, err
	}

	entry := &ledger.Transaction{
		ID:              uuid.New(),
		SenderID:        w.UserID,
		SenderWallet:    w.Address.Hex(),
		RecipientWallet: c.Treasury.Hex(),
		Amount:          chain.ToDecimal(amount, token.Decimals),
		GasFee:          gasFee,
		Token:           token.Symbol,
		Type:            ledger.TypeSweep,
		Purpose:         ledger.PurposeTreasurySweep,
		Status:          ledger.StatusPending,
		TxHash:          signed.Hash.Hex(),
		LogIndex:        ledger.PlatformLogIndex,
		ChainID:         c.ID,
		ChainName:       c.Name,
		RawTx:           signed.Raw,
	}
	inserted, err := s.store.InsertTransaction(ctx, entry)
	if err != nil || !inserted {
		s.transactor.Release(context.WithoutCancel(ctx), signed)
		if err == nil {
			err = ledger.ErrDuplicateTransaction
		}
		return "", false, fmt.Errorf("failed to tag sweep: %w", err)
	}

	fields := []zap.Field{
		zap.Int64("chain_id", c.ID),
		zap.String("user_id", w.UserID),
		zap.String("wallet", w.Address.Hex()),
		zap.String("token", token.Symbol),
		zap.String("amount", entry.Amount.String()),
		zap.String("tx_hash", entry.TxHash),
	}
	if err := s.chain.SendTransaction(ctx, c.ID, signed.Tx); err != nil {
		if !errors.Is(err, chain.ErrTransactionRejected) {
			// The node may still have it; Settle decides from the receipt
			// or the wallet's confirmed nonce.
			s.logger.Warn("Sweep broadcast outcome unknown, left pending", append(fields, zap.Error(err))...)
			return entry.TxHash, true, nil
		}
		cctx := context.WithoutCancel(ctx)
		if _, ferr := s.store.Fail(cctx, entry.ID); ferr != nil {
			s.logger.Error("Failed to mark unsent sweep failed",
				zap.String("id", entry.ID.String()),
				zap.Error(ferr))
		}
		s.transactor.Release(cctx, signed)
		return "", false, fmt.Errorf("failed to broadcast sweep: %w", err)
	}

	s.logger.Info("Sweep broadcast", fields...)
	return entry.TxHash, true, nil
}

// sweepAmount returns the base units to send. Native sweeps keep back the gas
// cost; token sweeps need the wallet to hold enough native gas.
func (s *Sweeper) sweepAmount(
	ctx context.Context,
	c *chain.Chain,
	token chain.Token,
	w *custody.Wallet,
	balance decimal.Decimal,
	gasCost *big.Int,
) (*big.Int, error) {
	raw, err := chain.ToBaseUnits(balance, token.Decimals)
	if err != nil {
		return nil, err
	}
	if token.Native {
		amount := new(big.Int).Sub(raw, gasCost)
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: balance %s does not cover gas", ErrInsufficientGas, balance)
		}
		return amount, nil
	}

	native, err := s.chain.Balance(ctx, c.ID, c.Native, w.Address, nil)
	if err != nil {
		return nil, err
	}
	nativeRaw, err := chain.ToBaseUnits(native, c.Native.Decimals)
	if err != nil {
		return nil, err
	}
	if nativeRaw.Cmp(gasCost) < 0 {
		return nil, fmt.Errorf("%w: native balance %s below gas cost %s",
			ErrInsufficientGas, native, chain.ToDecimal(gasCost, c.Native.Decimals))
	}
	return raw, nil
}

// SweepAll sweeps every asset of every custodial wallet on every chain.
// Failures are collected in the results and never stop the batch.
func (s *Sweeper) SweepAll(ctx context.Context) []Result {
	var results []Result
	for _, c := range s.registry.Chains() {
		wallets, err := s.wallets.ListWallets(ctx, c.ID)
		if err != nil {
			results = append(results, Result{ChainID: c.ID, Err: err})
			continue
		}
		for _, w := range wallets {
			for _, token := range c.Assets() {
				if ctx.Err() != nil {
					return results
				}
				hash, swept, err := s.Sweep(ctx, w, token.Symbol)
				r := Result{
					ChainID: c.ID,
					UserID:  w.UserID,
					Wallet:  w.Address.Hex(),
					Token:   token.Symbol,
					TxHash:  hash,
					Swept:   swept,
					Err:     err,
				}
				results = append(results, r)
				s.observe(r)
			}
		}
	}
	return results
}

func (s *Sweeper) observe(r Result) {
	status := "noop"
	switch {
	case r.Err != nil:
		status = "error"
		s.logger.Warn("Sweep failed",
			zap.Int64("chain_id", r.ChainID),
			zap.String("user_id", r.UserID),
			zap.String("token", r.Token),
			zap.Error(r.Err))
	case r.Swept:
		status = "broadcast"
	}
	metrics.SweepsTotal.WithLabelValues(strconv.FormatInt(r.ChainID, 10), r.Token, status).Inc()
}

// Settle resolves pending sweeps from their receipts. Reverted sweeps keep
// the gas they paid so reconciliation can account for it. A sweep without a
// receipt is broadcast again while its nonce is unused and failed once the
// wallet's confirmed nonce has passed it.
func (s *Sweeper) Settle(ctx context.Context) *SettleReport {
	report := &SettleReport{}
	pending, err := s.store.ListPending(ctx, ledger.TypeSweep, settleBatchSize)
	if err != nil {
		report.Errors = append(report.Errors, err)
		return report
	}

	for _, p := range pending {
		c, err := s.registry.Chain(p.ChainID)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		status, err := s.resolve(ctx, c, p)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		switch status {
		case ledger.StatusCompleted:
			report.Completed++
		case ledger.StatusFailed:
			report.Failed++
		default:
			report.Pending++
		}
	}
	return report
}

func (s *Sweeper) resolve(ctx context.Context, c *chain.Chain, p *ledger.Transaction) (ledger.Status, error) {
	hash := common.HexToHash(p.TxHash)
	receipt, err := s.chain.Receipt(ctx, p.ChainID, hash)
	if err != nil {
		return ledger.StatusPending, err
	}
	if receipt != nil {
		return s.settle(ctx, c, p, receipt)
	}
	if p.RawTx == "" || time.Since(p.CreatedAt) < s.settleAfter {
		return ledger.StatusPending, nil
	}

	tx, err := ethereum.DecodeRaw(p.RawTx)
	if err != nil {
		return ledger.StatusPending, fmt.Errorf("sweep %s: %w", p.ID, err)
	}
	confirmed, err := s.chain.ConfirmedNonce(ctx, p.ChainID, common.HexToAddress(p.SenderWallet))
	if err != nil {
		return ledger.StatusPending, err
	}
	if confirmed <= tx.Nonce() {
		if err := s.chain.SendTransaction(ctx, p.ChainID, tx); err != nil {
			return ledger.StatusPending, fmt.Errorf("failed to broadcast sweep %s again: %w", p.ID, err)
		}
		s.logger.Info("Sweep broadcast again",
			zap.String("id", p.ID.String()),
			zap.Uint64("nonce", tx.Nonce()),
			zap.String("tx_hash", p.TxHash))
		return ledger.StatusPending, nil
	}

	// Read again: it may have been mined between the receipt and nonce reads.
	receipt, err = s.chain.Receipt(ctx, p.ChainID, hash)
	if err != nil {
		return ledger.StatusPending, err
	}
	if receipt != nil {
		return s.settle(ctx, c, p, receipt)
	}
	if _, err := s.store.Fail(context.WithoutCancel(ctx), p.ID); err != nil {
		return ledger.StatusPending, err
	}
	metrics.SweepsTotal.WithLabelValues(strconv.FormatInt(c.ID, 10), p.Token, "dropped").Inc()
	s.logger.Warn("Sweep dropped, nonce used by another transaction",
		zap.Int64("chain_id", c.ID),
		zap.String("user_id", p.SenderID),
		zap.Uint64("nonce", tx.Nonce()),
		zap.Uint64("confirmed_nonce", confirmed),
		zap.String("tx_hash", p.TxHash))
	return ledger.StatusFailed, nil
}

func (s *Sweeper) settle(ctx context.Context, c *chain.Chain, p *ledger.Transaction, receipt *types.Receipt) (ledger.Status, error) {
	gasFee := ReceiptGasFee(receipt, c.Native.Decimals, p.GasFee)
	block := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusSuccessful {
		if _, err := s.store.Complete(ctx, p.ID, block, gasFee); err != nil {
			return ledger.StatusPending, err
		}
		metrics.SweepsTotal.WithLabelValues(strconv.FormatInt(c.ID, 10), p.Token, "completed").Inc()
		return ledger.StatusCompleted, nil
	}

	if _, err := s.store.FailMined(ctx, p.ID, block, gasFee); err != nil {
		return ledger.StatusPending, err
	}
	metrics.SweepsTotal.WithLabelValues(strconv.FormatInt(c.ID, 10), p.Token, "reverted").Inc()
	s.logger.Warn("Sweep reverted",
		zap.Int64("chain_id", c.ID),
		zap.String("user_id", p.SenderID),
		zap.String("tx_hash", p.TxHash))
	return ledger.StatusFailed, nil
}

// ReceiptGasFee returns the native gas actually paid by a mined transaction,
// or fallback when the node does not report an effective gas price.
func ReceiptGasFee(r *types.Receipt, nativeDecimals int32, fallback decimal.Decimal) decimal.Decimal {
	if r.EffectiveGasPrice == nil {
		return fallback
	}
	paid := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
	return chain.ToDecimal(paid, nativeDecimals)
}
