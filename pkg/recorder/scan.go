package recorder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/custody"
)

// ChainReader is the part of the chain scanner used for scanning.
type ChainReader interface {
	HeadBlock(ctx context.Context, chainID int64) (uint64, error)
	TransferLogs(ctx context.Context, chainID int64, token, wallet common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
}

// WalletLister lists the custodial wallets of a chain.
type WalletLister interface {
	ListWallets(ctx context.Context, chainID int64) ([]*custody.Wallet, error)
}

// CursorStore persists the last fully recorded block per scan target.
type CursorStore interface {
	Cursor(ctx context.Context, chainID int64, wallet, token string) (uint64, bool, error)
	SetCursor(ctx context.Context, chainID int64, wallet, token string, block uint64) error
}

// Target is one (wallet, token) pair to scan.
type Target struct {
	Wallet *custody.Wallet
	Token  chain.Token
}

// TargetError is a per-target scan failure.
type TargetError struct {
	ChainID int64
	Wallet  string
	Token   string
	Err     error
}

// ScanReport summarizes one ScanAndRecord run.
type ScanReport struct {
	Targets int
	Result
	Errors []TargetError
}

// Scanner drives incremental scans for every custodial wallet.
type Scanner struct {
	recorder *Recorder
	chain    ChainReader
	wallets  WalletLister
	cursors  CursorStore
	logger   *zap.Logger
}

// NewScanner creates a new incremental scanner
func NewScanner(recorder *Recorder, chainReader ChainReader, wallets WalletLister, cursors CursorStore, logger *zap.Logger) *Scanner {
	return &Scanner{recorder: recorder, chain: chainReader, wallets: wallets, cursors: cursors, logger: logger}
}

// Targets lists every (wallet, ERC-20 token) pair on chainID. Native
// transfers emit no logs and are covered by balance reconciliation.
func (s *Scanner) Targets(ctx context.Context, c *chain.Chain) ([]Target, error) {
	wallets, err := s.wallets.ListWallets(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var targets []Target
	for _, w := range wallets {
		for _, t := range c.Assets() {
			if t.Native {
				continue
			}
			targets = append(targets, Target{Wallet: w, Token: t})
		}
	}
	return targets, nil
}

// ScanAndRecord scans every configured chain from each target's cursor up to
// the confirmed head. Failures are collected per chain or target and never
// stop the other targets.
func (s *Scanner) ScanAndRecord(ctx context.Context) *ScanReport {
	report := &ScanReport{}
	for _, c := range s.recorder.registry.Chains() {
		if ctx.Err() != nil {
			break
		}
		head, err := s.chain.HeadBlock(ctx, c.ID)
		if err != nil {
			s.logger.Warn("Skipping chain, head unavailable", zap.Int64("chain_id", c.ID), zap.Error(err))
			report.Errors = append(report.Errors, TargetError{ChainID: c.ID, Err: err})
			continue
		}
		if head < c.Confirmations {
			continue
		}
		safeHead := head - c.Confirmations

		targets, err := s.Targets(ctx, c)
		if err != nil {
			report.Errors = append(report.Errors, TargetError{ChainID: c.ID, Err: err})
			continue
		}
		for _, t := range targets {
			report.Targets++
			res, err := s.scanTarget(ctx, c, t, safeHead)
			if res != nil {
				report.Result.add(res)
			}
			if err != nil {
				s.logger.Warn("Scan target failed",
					zap.Int64("chain_id", c.ID),
					zap.String("wallet", t.Wallet.Address.Hex()),
					zap.String("token", t.Token.Symbol),
					zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("recorder", "scan").Inc()
				report.Errors = append(report.Errors, TargetError{
					ChainID: c.ID,
					Wallet:  t.Wallet.Address.Hex(),
					Token:   t.Token.Symbol,
					Err:     err,
				})
			}
		}
		metrics.LastScannedBlock.WithLabelValues(strconv.FormatInt(c.ID, 10)).Set(float64(safeHead))
	}

	s.logger.Info("Scan completed",
		zap.Int("targets", report.Targets),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("excluded", report.Excluded),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))
	return report
}

// ScanRange records one explicit block range for a target without moving its
// cursor. Used for backfills.
func (s *Scanner) ScanRange(ctx context.Context, t Target, fromBlock, toBlock uint64) (*Result, error) {
	logs, err := s.chain.TransferLogs(ctx, t.Wallet.ChainID, t.Token.Address, t.Wallet.Address, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	return s.recorder.Record(ctx, t.Wallet, t.Token, logs)
}

func (s *Scanner) scanTarget(ctx context.Context, c *chain.Chain, t Target, safeHead uint64) (*Result, error) {
	wallet := t.Wallet.Address.Hex()
	last, ok, err := s.cursors.Cursor(ctx, c.ID, wallet, t.Token.Symbol)
	if err != nil {
		return nil, err
	}
	from := c.StartBlock
	if ok {
		from = last + 1
	}

	window := c.ScanWindow
	if window == 0 {
		window = 2000
	}

	total := &Result{}
	for from <= safeHead {
		to := from + window - 1
		if to > safeHead {
			to = safeHead
		}
		res, err := s.ScanRange(ctx, t, from, to)
		if res != nil {
			total.add(res)
		}
		if err != nil {
			return total, fmt.Errorf("blocks %d-%d: %w", from, to, err)
		}
		if err := s.cursors.SetCursor(ctx, c.ID, wallet, t.Token.Symbol, to); err != nil {
			return total, err
		}
		from = to + 1
	}
	return total, nil
}
