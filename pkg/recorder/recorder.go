// Package recorder turns ERC-20 Transfer logs touching custodial wallets into
// ledger entries, exactly once per (transaction hash, log index).
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

// LedgerStore is the subset of the ledger store the recorder writes to.
type LedgerStore interface {
	TransactionsByHash(ctx context.Context, hash string) ([]*ledger.Transaction, error)
	InsertTransaction(ctx context.Context, entry *ledger.Transaction) (bool, error)
}

// Result counts what happened to a batch of logs.
type Result struct {
	Inserted   int
	Duplicates int
	Skipped    int
	Excluded   int
}

func (r *Result) add(o *Result) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Excluded += o.Excluded
}

// Recorder classifies and persists transfer logs.
type Recorder struct {
	store    LedgerStore
	registry *chain.Registry
	logger   *zap.Logger
}

// New creates a new Recorder
func New(store LedgerStore, registry *chain.Registry, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, registry: registry, logger: logger}
}

// Record persists the Transfer logs of token that involve wallet. Malformed
// logs are skipped with a warning and never abort the batch. Re-recording
// the same logs is a no-op.
func (r *Recorder) Record(ctx context.Context, wallet *custody.Wallet, token chain.Token, logs []types.Log) (*Result, error) {
	c, err := r.registry.Chain(wallet.ChainID)
	if err != nil {
		return nil, err
	}
	chainLabel := strconv.FormatInt(c.ID, 10)

	res := &Result{}
	for _, l := range logs {
		transfer, err := chain.DecodeTransfer(l)
		if err != nil {
			r.logger.Warn("Skipping malformed transfer log",
				zap.Int64("chain_id", c.ID),
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("log_index", l.Index),
				zap.Error(err))
			metrics.MalformedLogs.WithLabelValues(chainLabel).Inc()
			res.Skipped++
			continue
		}
		if transfer.Token != token.Address {
			res.Skipped++
			continue
		}

		outcome, err := r.recordOne(ctx, c, wallet, token, transfer)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeInserted:
			res.Inserted++
		case outcomeDuplicate:
			res.Duplicates++
		case outcomeExcluded:
			res.Excluded++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeInserted outcome = iota
	outcomeDuplicate
	outcomeExcluded
	outcomeSkipped
)

func (r *Recorder) recordOne(
	ctx context.Context,
	c *chain.Chain,
	wallet *custody.Wallet,
	token chain.Token,
	t chain.RawTransfer,
) (outcome, error) {
	hash := t.TxHash.Hex()
	existing, err := r.store.TransactionsByHash(ctx, hash)
	if err != nil {
		return 0, err
	}
	for _, e := range existing {
		if e.LogIndex == int64(t.LogIndex) {
			return outcomeDuplicate, nil
		}
		if e.LogIndex == ledger.PlatformLogIndex && e.Purpose == ledger.PurposeTreasurySweep {
			return outcomeExcluded, nil
		}
	}

	amount := chain.ToDecimal(t.Value, token.Decimals)
	if !amount.IsPositive() {
		return outcomeSkipped, nil
	}

	entry := &ledger.Transaction{
		ID:              uuid.New(),
		SenderWallet:    t.From.Hex(),
		RecipientWallet: t.To.Hex(),
		Amount:          amount,
		Token:           token.Symbol,
		Status:          ledger.StatusCompleted,
		TxHash:          hash,
		LogIndex:        int64(t.LogIndex),
		ChainID:         c.ID,
		ChainName:       c.Name,
		BlockNumber:     t.BlockNumber,
	}

	walletHex := wallet.Address.Hex()
	switch {
	case chain.SameAddress(t.To.Hex(), walletHex):
		entry.Type = ledger.TypeDeposit
		entry.Purpose = ledger.PurposeUserDeposit
		entry.RecipientID = wallet.UserID
	case chain.SameAddress(t.From.Hex(), walletHex) && c.IsTreasury(t.To):
		r.logger.Warn("Untagged transfer to treasury recorded as sweep",
			zap.Int64("chain_id", c.ID),
			zap.String("user_id", wallet.UserID),
			zap.String("tx_hash", hash),
			zap.String("amount", amount.String()))
		entry.Type = ledger.TypeSweep
		entry.Purpose = ledger.PurposeTreasurySweep
		entry.SenderID = wallet.UserID
	case chain.SameAddress(t.From.Hex(), walletHex):
		entry.Type = ledger.TypeWithdrawal
		entry.Purpose = ledger.PurposeObservedOutflow
		entry.SenderID = wallet.UserID
	default:
		return outcomeSkipped, nil
	}

	inserted, err := r.store.InsertTransaction(ctx, entry)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return outcomeDuplicate, nil
		}
		return 0, fmt.Errorf("failed to record transfer %s:%d: %w", hash, t.LogIndex, err)
	}
	if !inserted {
		return outcomeDuplicate, nil
	}

	metrics.TransfersRecorded.WithLabelValues(strconv.FormatInt(c.ID, 10), string(entry.Type)).Inc()
	r.logger.Info("Recorded transfer",
		zap.Int64("chain_id", c.ID),
		zap.String("user_id", wallet.UserID),
		zap.String("type", string(entry.Type)),
		zap.String("token", token.Symbol),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", hash),
		zap.Uint("log_index", t.LogIndex))
	return outcomeInserted, nil
}
