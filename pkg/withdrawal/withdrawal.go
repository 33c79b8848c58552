// Package withdrawal executes user withdrawals from the chain treasury. The
// ledger is debited before anything is broadcast. The debit is refunded only
// once the transaction is known not to land: rejected by the node, reverted,
// or dropped after its nonce was used.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/ethereum"
	"github.com/chainsafe/custody-core/pkg/keys"
	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/limits"
	"github.com/chainsafe/custody-core/pkg/rewards"
)

var (
	ErrInvalidAddress        = errors.New("invalid destination address")
	ErrKYCRequired           = errors.New("kyc approval required")
	ErrChainSubmissionFailed = errors.New("chain submission failed")
)

const settleBatchSize = 500

// Store is the ledger access of the executor.
type Store interface {
	GetBalance(ctx context.Context, userID, token string, chainID int64) (*ledger.WalletBalance, error)
	ReserveWithdrawal(ctx context.Context, entry *ledger.Transaction) error
	FailAndRefund(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, blockNumber uint64, gasFee decimal.Decimal) (bool, error)
	ListPending(ctx context.Context, txType ledger.TxType, limit int) ([]*ledger.Transaction, error)
}

// KYC answers approval and fee questions.
type KYC interface {
	IsApproved(ctx context.Context, userID string) (bool, error)
	WithdrawalFee(ctx context.Context, token string) (decimal.Decimal, error)
}

// Limits checks and reserves USD spend.
type Limits interface {
	CheckLimits(ctx context.Context, userID string, amountUSD decimal.Decimal) (*limits.Decision, error)
	ReserveUsage(ctx context.Context, userID string, amountUSD decimal.Decimal) error
}

// Prices converts token amounts to USD.
type Prices interface {
	ToUSD(token string, amount decimal.Decimal) (decimal.Decimal, error)
}

// ChainClient broadcasts and tracks transactions. SendTransaction wraps
// chain.ErrTransactionRejected only when the node refused the transaction.
type ChainClient interface {
	SendTransaction(ctx context.Context, chainID int64, tx *types.Transaction) error
	Receipt(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error)
	ConfirmedNonce(ctx context.Context, chainID int64, account common.Address) (uint64, error)
}

// Transactor signs transfers.
type Transactor interface {
	SignTransfer(ctx context.Context, tr ethereum.Transfer) (*ethereum.Signed, error)
	Release(ctx context.Context, s *ethereum.Signed)
}

// Notifier receives completed withdrawals.
type Notifier interface {
	Notify(ev rewards.Event)
}

// Request asks to send Amount of Token on ChainID to ToAddress.
type Request struct {
	UserID    string
	Token     string
	ChainID   int64
	ToAddress string
	Amount    decimal.Decimal
}

// Result describes an accepted withdrawal.
type Result struct {
	TransactionID uuid.UUID
	TxHash        string
	Status        ledger.Status
	Fee           decimal.Decimal
	Total         decimal.Decimal
}

// SettleReport summarizes one Settle run.
type SettleReport struct {
	Completed int
	Refunded  int
	Pending   int
	Errors    []error
}

// Executor runs withdrawals.
type Executor struct {
	registry   *chain.Registry
	treasury   map[int64]*keys.KeyPair
	store      Store
	kyc        KYC
	limits     Limits
	prices     Prices
	chain      ChainClient
	transactor Transactor
	notifier   Notifier
	cfg        config.WithdrawalConfig
	logger     *zap.Logger
}

// Deps groups the collaborators of an Executor.
type Deps struct {
	Registry   *chain.Registry
	Treasury   map[int64]*keys.KeyPair
	Store      Store
	KYC        KYC
	Limits     Limits
	Prices     Prices
	Chain      ChainClient
	Transactor Transactor
	Notifier   Notifier
}

// NewExecutor creates a new withdrawal executor
func NewExecutor(d Deps, cfg config.WithdrawalConfig, logger *zap.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Executor{
		registry:   d.Registry,
		treasury:   d.Treasury,
		store:      d.Store,
		kyc:        d.KYC,
		limits:     d.Limits,
		prices:     d.Prices,
		chain:      d.Chain,
		transactor: d.Transactor,
		notifier:   d.Notifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// Withdraw validates, debits and broadcasts a withdrawal. It returns once the
// receipt arrived or the configured wait elapsed; in the latter case the
// entry stays pending for Settle.
func (e *Executor) Withdraw(ctx context.Context, req Request) (*Result, error) {
	token := ledger.NormalizeToken(req.Token)
	res, err := e.withdraw(ctx, req)
	status := "error"
	if res != nil {
		status = string(res.Status)
	}
	metrics.WithdrawalsTotal.WithLabelValues(token, status).Inc()
	if err != nil {
		e.logger.Warn("Withdrawal rejected",
			zap.String("user_id", req.UserID),
			zap.String("token", token),
			zap.Int64("chain_id", req.ChainID),
			zap.String("amount", req.Amount.String()),
			zap.Error(err))
	}
	return res, err
}

func (e *Executor) withdraw(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, ledger.Validationf("user id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, ledger.Validationf("amount must be positive")
	}
	if !chain.ValidateAddress(req.ToAddress) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.ToAddress)
	}
	to := common.HexToAddress(req.ToAddress)
	if to == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}

	c, token, err := e.registry.Token(req.ChainID, req.Token)
	if err != nil {
		return nil, err
	}
	raw, err := chain.ToBaseUnits(req.Amount, token.Decimals)
	if err != nil {
		return nil, ledger.Validationf("%v", err)
	}
	signer, ok := e.treasury[c.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no treasury signer for chain %d", chain.ErrUnsupportedChain, c.ID)
	}

	approved, err := e.kyc.IsApproved(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, ErrKYCRequired
	}

	fee, err := e.kyc.WithdrawalFee(ctx, token.Symbol)
	if err != nil {
		return nil, err
	}
	total := req.Amount.Add(fee)

	amountUSD, err := e.prices.ToUSD(token.Symbol, req.Amount)
	if err != nil {
		return nil, &limits.LimitExceededError{Decision: &limits.Decision{Reason: err.Error()}}
	}
	decision, err := e.limits.CheckLimits(ctx, req.UserID, amountUSD)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &limits.LimitExceededError{Decision: decision}
	}

	balance, err := e.store.GetBalance(ctx, req.UserID, token.Symbol, ledger.AggregateChain)
	if err != nil {
		return nil, err
	}
	if balance.Balance.LessThan(total) {
		return nil, &ledger.InsufficientBalanceError{Token: token.Symbol, Required: total, Available: balance.Balance}
	}

	signed, err := e.transactor.SignTransfer(ctx, ethereum.Transfer{
		Chain:  c,
		Token:  token,
		From:   signer,
		To:     to,
		Amount: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}

	entry := &ledger.Transaction{
		ID:              uuid.New(),
		SenderID:        req.UserID,
		SenderWallet:    signer.Address.Hex(),
		RecipientWallet: to.Hex(),
		Amount:          req.Amount,
		Fee:             fee,
		Token:           token.Symbol,
		Type:            ledger.TypeWithdrawal,
		Purpose:         ledger.PurposeUserWithdrawal,
		Status:          ledger.StatusPending,
		TxHash:          signed.Hash.Hex(),
		LogIndex:        ledger.PlatformLogIndex,
		ChainID:         c.ID,
		ChainName:       c.Name,
		RawTx:           signed.Raw,
	}
	if err := e.store.ReserveWithdrawal(ctx, entry); err != nil {
		e.transactor.Release(context.WithoutCancel(ctx), signed)
		return nil, err
	}

	if err := e.limits.ReserveUsage(ctx, req.UserID, amountUSD); err != nil {
		e.abandon(ctx, entry, signed)
		return nil, err
	}

	fields := []zap.Field{
		zap.String("id", entry.ID.String()),
		zap.String("user_id", req.UserID),
		zap.String("token", token.Symbol),
		zap.String("amount", req.Amount.String()),
		zap.String("fee", fee.String()),
		zap.String("tx_hash", entry.TxHash),
	}
	if err := e.chain.SendTransaction(ctx, c.ID, signed.Tx); err != nil {
		if errors.Is(err, chain.ErrTransactionRejected) {
			e.abandon(ctx, entry, signed)
			return nil, fmt.Errorf("%w: %v", ErrChainSubmissionFailed, err)
		}
		// The node may still have the transaction. The debit and the nonce
		// stay reserved until Settle sees a receipt or the nonce used.
		e.logger.Warn("Withdrawal broadcast outcome unknown, left pending", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("Withdrawal broadcast", fields...)
	}

	res := &Result{
		TransactionID: entry.ID,
		TxHash:        entry.TxHash,
		Status:        ledger.StatusPending,
		Fee:           fee,
		Total:         total,
	}

	receipt := e.awaitReceipt(ctx, c.ID, signed.Hash)
	if receipt != nil {
		status, err := e.settle(ctx, entry, receipt)
		if err != nil {
			return res, err
		}
		res.Status = status
		if status == ledger.StatusFailed {
			return res, fmt.Errorf("%w: transaction %s reverted", ErrChainSubmissionFailed, entry.TxHash)
		}
		e.notify(entry)
	}
	return res, nil
}

// awaitReceipt polls for the receipt until it arrives or the wait elapses.
func (e *Executor) awaitReceipt(ctx context.Context, chainID int64, hash common.Hash) *types.Receipt {
	if e.cfg.ReceiptWait <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptWait)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.chain.Receipt(waitCtx, chainID, hash)
		if err == nil && receipt != nil {
			return receipt
		}
		select {
		case <-waitCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// settle completes or refunds a pending withdrawal from its receipt.
func (e *Executor) settle(ctx context.Context, entry *ledger.Transaction, receipt *types.Receipt) (ledger.Status, error) {
	block := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusSuccessful {
		if _, err := e.store.Complete(ctx, entry.ID, block, decimal.Zero); err != nil {
			return ledger.StatusPending, err
		}
		return ledger.StatusCompleted, nil
	}
	if _, err := e.store.FailAndRefund(context.WithoutCancel(ctx), entry.ID); err != nil {
		return ledger.StatusPending, err
	}
	e.logger.Warn("Withdrawal reverted on chain, refunded",
		zap.String("id", entry.ID.String()),
		zap.String("user_id", entry.SenderID),
		zap.String("tx_hash", entry.TxHash))
	return ledger.StatusFailed, nil
}

// abandon refunds an entry whose transaction never reached the chain and
// hands its nonce back. It runs to completion even when ctx is canceled.
func (e *Executor) abandon(ctx context.Context, entry *ledger.Transaction, signed *ethereum.Signed) {
	ctx = context.WithoutCancel(ctx)
	e.refund(ctx, entry)
	e.transactor.Release(ctx, signed)
}

func (e *Executor) refund(ctx context.Context, entry *ledger.Transaction) {
	if _, err := e.store.FailAndRefund(ctx, entry.ID); err != nil {
		metrics.InconsistenciesTotal.WithLabelValues("withdrawal").Inc()
		e.logger.Error("Failed to refund withdrawal",
			zap.String("id", entry.ID.String()),
			zap.String("user_id", entry.SenderID),
			zap.String("total", entry.Total().String()),
			zap.Error(err))
	}
}

func (e *Executor) notify(entry *ledger.Transaction) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(rewards.Event{
		Type:      rewards.EventWithdrawal,
		UserID:    entry.SenderID,
		Token:     entry.Token,
		Amount:    entry.Amount,
		Reference: entry.TxHash,
	})
}

// Settle resolves pending withdrawals. Mined ones are completed or refunded
// from their receipts. A row without a receipt is broadcast again while its
// nonce is unused, and refunded once the treasury's confirmed nonce has
// passed it.
func (e *Executor) Settle(ctx context.Context) *SettleReport {
	report := &SettleReport{}
	pending, err := e.store.ListPending(ctx, ledger.TypeWithdrawal, settleBatchSize)
	if err != nil {
		report.Errors = append(report.Errors, err)
		return report
	}
	for _, p := range pending {
		status, err := e.resolve(ctx, p)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		switch status {
		case ledger.StatusCompleted:
			report.Completed++
			e.notify(p)
		case ledger.StatusFailed:
			report.Refunded++
		default:
			report.Pending++
			continue
		}
		metrics.WithdrawalsTotal.WithLabelValues(p.Token, string(status)).Inc()
	}
	return report
}

func (e *Executor) resolve(ctx context.Context, p *ledger.Transaction) (ledger.Status, error) {
	hash := common.HexToHash(p.TxHash)
	receipt, err := e.chain.Receipt(ctx, p.ChainID, hash)
	if err != nil {
		return ledger.StatusPending, err
	}
	if receipt != nil {
		return e.settle(ctx, p, receipt)
	}
	if p.RawTx == "" || time.Since(p.CreatedAt) < e.cfg.SettleAfter {
		return ledger.StatusPending, nil
	}

	tx, err := ethereum.DecodeRaw(p.RawTx)
	if err != nil {
		return ledger.StatusPending, fmt.Errorf("withdrawal %s: %w", p.ID, err)
	}
	confirmed, err := e.chain.ConfirmedNonce(ctx, p.ChainID, common.HexToAddress(p.SenderWallet))
	if err != nil {
		return ledger.StatusPending, err
	}
	if confirmed <= tx.Nonce() {
		if err := e.chain.SendTransaction(ctx, p.ChainID, tx); err != nil {
			return ledger.StatusPending, fmt.Errorf("failed to broadcast withdrawal %s again: %w", p.ID, err)
		}
		e.logger.Info("Withdrawal broadcast again",
			zap.String("id", p.ID.String()),
			zap.Uint64("nonce", tx.Nonce()),
			zap.String("tx_hash", p.TxHash))
		return ledger.StatusPending, nil
	}

	// The nonce is used. The receipt is read again because the transaction
	// may have been mined after the first read.
	receipt, err = e.chain.Receipt(ctx, p.ChainID, hash)
	if err != nil {
		return ledger.StatusPending, err
	}
	if receipt != nil {
		return e.settle(ctx, p, receipt)
	}
	if _, err := e.store.FailAndRefund(context.WithoutCancel(ctx), p.ID); err != nil {
		return ledger.StatusPending, err
	}
	e.logger.Warn("Withdrawal dropped, nonce used by another transaction, refunded",
		zap.String("id", p.ID.String()),
		zap.String("user_id", p.SenderID),
		zap.Uint64("nonce", tx.Nonce()),
		zap.Uint64("confirmed_nonce", confirmed),
		zap.String("tx_hash", p.TxHash))
	return ledger.StatusFailed, nil
}
