package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/recorder"
	"github.com/chainsafe/custody-core/pkg/sweeper"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

const (
	JobScan             = "scan"
	JobSweep            = "sweep"
	JobSweepSettle      = "sweep_settle"
	JobWithdrawalSettle = "withdrawal_settle"
	JobReconcile        = "reconcile"
)

// Scanner ingests custodial wallet activity.
type Scanner interface {
	ScanAndRecord(ctx context.Context) *recorder.ScanReport
}

// Sweeper moves deposits to the treasury and settles sweeps.
type Sweeper interface {
	SweepAll(ctx context.Context) []sweeper.Result
	Settle(ctx context.Context) *sweeper.SettleReport
}

// WithdrawalSettler resolves withdrawals left pending.
type WithdrawalSettler interface {
	Settle(ctx context.Context) *withdrawal.SettleReport
}

// Reconciler recomputes balances from chain state.
type Reconciler interface {
	Run(ctx context.Context) error
}

type jobs struct {
	scanner     Scanner
	sweeper     Sweeper
	withdrawals WithdrawalSettler
	reconciler  Reconciler
	logger      *zap.Logger
}

func (j *jobs) scan(ctx context.Context) error {
	report := j.scanner.ScanAndRecord(ctx)
	j.logger.Info("Scan finished",
		zap.Int("targets", report.Targets),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))

	errs := make([]error, 0, len(report.Errors))
	for _, te := range report.Errors {
		errs = append(errs, fmt.Errorf("chain %d wallet %s %s: %w", te.ChainID, te.Wallet, te.Token, te.Err))
	}
	return errors.Join(errs...)
}

func (j *jobs) sweep(ctx context.Context) error {
	var swept int
	var errs []error
	for _, r := range j.sweeper.SweepAll(ctx) {
		switch {
		case errors.Is(r.Err, sweeper.ErrInsufficientGas):
			// Needs a gas top-up; logged by the sweeper and retried next run.
		case r.Err != nil:
			errs = append(errs, fmt.Errorf("sweep %s on chain %d for %s: %w", r.Token, r.ChainID, r.UserID, r.Err))
		case r.Swept:
			swept++
		}
	}
	j.logger.Info("Sweep finished", zap.Int("swept", swept), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (j *jobs) settleSweeps(ctx context.Context) error {
	report := j.sweeper.Settle(ctx)
	if report.Completed+report.Failed > 0 || len(report.Errors) > 0 {
		j.logger.Info("Sweeps settled",
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("pending", report.Pending),
			zap.Int("errors", len(report.Errors)))
	}
	return errors.Join(report.Errors...)
}

func (j *jobs) settleWithdrawals(ctx context.Context) error {
	report := j.withdrawals.Settle(ctx)
	if report.Completed+report.Refunded > 0 || len(report.Errors) > 0 {
		j.logger.Info("Withdrawals settled",
			zap.Int("completed", report.Completed),
			zap.Int("refunded", report.Refunded),
			zap.Int("pending", report.Pending),
			zap.Int("errors", len(report.Errors)))
	}
	return errors.Join(report.Errors...)
}

func (j *jobs) reconcile(ctx context.Context) error {
	return j.reconciler.Run(ctx)
}
