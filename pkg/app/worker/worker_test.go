package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/recorder"
	"github.com/chainsafe/custody-core/pkg/sweeper"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

type scanFunc func(ctx context.Context) *recorder.ScanReport

func (f scanFunc) ScanAndRecord(ctx context.Context) *recorder.ScanReport { return f(ctx) }

type sweeperFake struct {
	results []sweeper.Result
	settle  *sweeper.SettleReport
}

func (f *sweeperFake) SweepAll(context.Context) []sweeper.Result    { return f.results }
func (f *sweeperFake) Settle(context.Context) *sweeper.SettleReport { return f.settle }

type settleFunc func(ctx context.Context) *withdrawal.SettleReport

func (f settleFunc) Settle(ctx context.Context) *withdrawal.SettleReport { return f(ctx) }

type reconcileFunc func(ctx context.Context) error

func (f reconcileFunc) Run(ctx context.Context) error { return f(ctx) }

func TestScheduler_RunNowAppliesTimeout(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Stop()

	err := s.RunNow(Job{Name: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, time.Second)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StopCancelsJobs(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	s.Stop()

	err := s.RunNow(Job{Name: "after_stop", Run: func(ctx context.Context) error { return ctx.Err() }})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_AddValidatesSpec(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Stop()

	require.Error(t, s.Add(Job{Name: "bad", Spec: "every now and then", Run: func(context.Context) error { return nil }}))
	require.NoError(t, s.Add(Job{Name: "disabled", Spec: "", Run: func(context.Context) error { return nil }}))
	require.NoError(t, s.Add(Job{Name: "ok", Spec: "@every 1h", Run: func(context.Context) error { return nil }}))
	require.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_FiresScheduledJob(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}))
	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestRegisterJobs(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Stop()

	cfg := &config.WorkerConfig{Schedule: config.ScheduleConfig{
		Scan: "@every 30s", Sweep: "@every 10m", Reconcile: "@every 5m", Settle: "@every 1m",
	}}
	require.NoError(t, registerJobs(s, &jobs{}, cfg))
	require.Len(t, s.cron.Entries(), 5)
}

func TestJobs_ReportErrors(t *testing.T) {
	boom := errors.New("rpc down")
	j := &jobs{
		scanner: scanFunc(func(context.Context) *recorder.ScanReport {
			return &recorder.ScanReport{Targets: 2, Errors: []recorder.TargetError{{ChainID: 1, Token: "USDC", Err: boom}}}
		}),
		sweeper: &sweeperFake{
			results: []sweeper.Result{
				{ChainID: 1, UserID: "alice", Token: "USDC", Swept: true},
				{ChainID: 1, UserID: "bob", Token: "USDC", Err: sweeper.ErrInsufficientGas},
			},
			settle: &sweeper.SettleReport{Completed: 1},
		},
		withdrawals: settleFunc(func(context.Context) *withdrawal.SettleReport {
			return &withdrawal.SettleReport{Refunded: 1, Errors: []error{boom}}
		}),
		reconciler: reconcileFunc(func(context.Context) error { return nil }),
		logger:     zap.NewNop(),
	}
	ctx := context.Background()

	require.ErrorIs(t, j.scan(ctx), boom)
	require.NoError(t, j.sweep(ctx), "insufficient gas is not a job failure")
	require.NoError(t, j.settleSweeps(ctx))
	require.ErrorIs(t, j.settleWithdrawals(ctx), boom)
	require.NoError(t, j.reconcile(ctx))

	j.sweeper = &sweeperFake{results: []sweeper.Result{{ChainID: 1, UserID: "carol", Token: "ETH", Err: boom}}}
	require.ErrorIs(t, j.sweep(ctx), boom)
}
