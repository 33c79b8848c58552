package staking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/rewards"
)

type ledgerMock struct {
	mock.Mock
}

func (m *ledgerMock) Debit(ctx context.Context, userID, token string, amount decimal.Decimal, entry *ledger.Transaction) error {
	return m.Called(ctx, userID, token, amount, entry).Error(0)
}

func (m *ledgerMock) Credit(ctx context.Context, userID, token string, amount decimal.Decimal, entry *ledger.Transaction) error {
	return m.Called(ctx, userID, token, amount, entry).Error(0)
}

type storeMock struct {
	InsertFunc          func(ctx context.Context, p *Position) error
	GetFunc             func(ctx context.Context, id uuid.UUID) (*Position, error)
	ListByUserFunc      func(ctx context.Context, userID string) ([]*Position, error)
	MarkWithdrawnFunc   func(ctx context.Context, id uuid.UUID, rewards decimal.Decimal, at time.Time) (bool, error)
	RevertWithdrawnFunc func(ctx context.Context, id uuid.UUID) (bool, error)
}

func (m *storeMock) Insert(ctx context.Context, p *Position) error {
	return m.InsertFunc(ctx, p)
}

func (m *storeMock) Get(ctx context.Context, id uuid.UUID) (*Position, error) {
	return m.GetFunc(ctx, id)
}

func (m *storeMock) ListByUser(ctx context.Context, userID string) ([]*Position, error) {
	return m.ListByUserFunc(ctx, userID)
}

func (m *storeMock) MarkWithdrawn(ctx context.Context, id uuid.UUID, rewards decimal.Decimal, at time.Time) (bool, error) {
	return m.MarkWithdrawnFunc(ctx, id, rewards, at)
}

func (m *storeMock) RevertWithdrawn(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.RevertWithdrawnFunc(ctx, id)
}

func purpose(p ledger.Purpose) any {
	return mock.MatchedBy(func(e *ledger.Transaction) bool { return e.Purpose == p })
}

func TestEngine_CreateValidation(t *testing.T) {
	e := NewEngine(&storeMock{}, new(ledgerMock), dec("10"), zap.NewNop())
	ctx := context.Background()

	cases := []CreateRequest{
		{UserID: "", Token: "USDC", Amount: dec("100"), DurationDays: 30},
		{UserID: "alice", Token: "", Amount: dec("100"), DurationDays: 30},
		{UserID: "alice", Token: "USDC", Amount: dec("0"), DurationDays: 30},
		{UserID: "alice", Token: "USDC", Amount: dec("5"), DurationDays: 30},
		{UserID: "alice", Token: "USDC", Amount: dec("100"), DurationDays: 45},
	}
	for _, req := range cases {
		_, err := e.Create(ctx, req)
		require.ErrorIs(t, err, ledger.ErrValidation, "%+v", req)
	}
}

func TestEngine_CreateCompensatesFailedInsert(t *testing.T) {
	ctx := context.Background()
	l := new(ledgerMock)
	store := &storeMock{InsertFunc: func(context.Context, *Position) error { return errors.New("db down") }}
	e := NewEngine(store, l, decimal.Zero, zap.NewNop())

	l.On("Debit", ctx, "alice", "USDC", dec("100"), purpose(ledger.PurposeStakeLock)).Return(nil).Once()
	l.On("Credit", ctx, "alice", "USDC", dec("100"), purpose(ledger.PurposeCompensation)).Return(nil).Once()

	_, err := e.Create(ctx, CreateRequest{UserID: "alice", Token: "usdc", Amount: dec("100"), DurationDays: 90})
	require.Error(t, err)
	require.NotErrorIs(t, err, ledger.ErrInternalInconsistency)
	l.AssertExpectations(t)
}

func TestEngine_CreateFailedCompensationIsInconsistency(t *testing.T) {
	ctx := context.Background()
	l := new(ledgerMock)
	store := &storeMock{InsertFunc: func(context.Context, *Position) error { return errors.New("db down") }}
	e := NewEngine(store, l, decimal.Zero, zap.NewNop())

	l.On("Debit", ctx, "alice", "USDC", dec("100"), mock.Anything).Return(nil).Once()
	l.On("Credit", ctx, "alice", "USDC", dec("100"), mock.Anything).Return(errors.New("db still down")).Once()

	_, err := e.Create(ctx, CreateRequest{UserID: "alice", Token: "USDC", Amount: dec("100"), DurationDays: 90})
	require.ErrorIs(t, err, ledger.ErrInternalInconsistency)
}

func TestEngine_CreateInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := new(ledgerMock)
	inserted := false
	store := &storeMock{InsertFunc: func(context.Context, *Position) error { inserted = true; return nil }}
	e := NewEngine(store, l, decimal.Zero, zap.NewNop())

	l.On("Debit", ctx, "alice", "USDC", dec("100"), mock.Anything).
		Return(&ledger.InsufficientBalanceError{Token: "USDC", Required: dec("100"), Available: dec("20")}).Once()

	_, err := e.Create(ctx, CreateRequest{UserID: "alice", Token: "USDC", Amount: dec("100"), DurationDays: 30})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.False(t, inserted)
}

func activeStore(p *Position) *storeMock {
	return &storeMock{
		GetFunc: func(_ context.Context, id uuid.UUID) (*Position, error) {
			if id != p.ID {
				return nil, ErrPositionNotFound
			}
			cp := *p
			return &cp, nil
		},
		MarkWithdrawnFunc: func(context.Context, uuid.UUID, decimal.Decimal, time.Time) (bool, error) {
			return true, nil
		},
	}
}

func TestEngine_WithdrawRevertsOnCreditFailure(t *testing.T) {
	ctx := context.Background()
	p := position("100", 30, time.Now().Add(-40*day))
	p.ID, p.UserID, p.Token = uuid.New(), "alice", "USDC"
	store := activeStore(p)
	var reverted bool
	store.RevertWithdrawnFunc = func(context.Context, uuid.UUID) (bool, error) { reverted = true; return true, nil }

	l := new(ledgerMock)
	l.On("Credit", ctx, "alice", "USDC", mock.Anything, purpose(ledger.PurposeStakeRelease)).Return(errors.New("db down")).Once()
	e := NewEngine(store, l, decimal.Zero, zap.NewNop())

	_, err := e.Withdraw(ctx, WithdrawRequest{UserID: "alice", StakeID: p.ID})
	require.Error(t, err)
	require.NotErrorIs(t, err, ledger.ErrInternalInconsistency)
	require.True(t, reverted)
}

func TestEngine_WithdrawFailedRevertIsInconsistency(t *testing.T) {
	ctx := context.Background()
	p := position("100", 30, time.Now().Add(-40*day))
	p.ID, p.UserID, p.Token = uuid.New(), "alice", "USDC"
	store := activeStore(p)
	store.RevertWithdrawnFunc = func(context.Context, uuid.UUID) (bool, error) { return false, errors.New("db down") }

	l := new(ledgerMock)
	l.On("Credit", ctx, "alice", "USDC", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	e := NewEngine(store, l, decimal.Zero, zap.NewNop())

	_, err := e.Withdraw(ctx, WithdrawRequest{UserID: "alice", StakeID: p.ID})
	require.ErrorIs(t, err, ledger.ErrInternalInconsistency)
}

func TestEngine_WithdrawOtherUsersPosition(t *testing.T) {
	p := position("100", 30, time.Now())
	p.ID, p.UserID = uuid.New(), "alice"
	e := NewEngine(activeStore(p), new(ledgerMock), decimal.Zero, zap.NewNop())

	_, err := e.Withdraw(context.Background(), WithdrawRequest{UserID: "mallory", StakeID: p.ID})
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestEngine_WithdrawLostFlip(t *testing.T) {
	p := position("100", 30, time.Now())
	p.ID, p.UserID = uuid.New(), "alice"
	store := activeStore(p)
	store.MarkWithdrawnFunc = func(context.Context, uuid.UUID, decimal.Decimal, time.Time) (bool, error) {
		return false, nil
	}
	e := NewEngine(store, new(ledgerMock), decimal.Zero, zap.NewNop())

	_, err := e.Withdraw(context.Background(), WithdrawRequest{UserID: "alice", StakeID: p.ID})
	require.ErrorIs(t, err, ErrAlreadyWithdrawn)
}

type recordingNotifier struct {
	events []rewards.Event
}

func (r *recordingNotifier) Notify(ev rewards.Event) {
	r.events = append(r.events, ev)
}

func TestEngine_NotifiesRewardsOnCreateAndWithdraw(t *testing.T) {
	ctx := context.Background()
	var stored *Position
	store := &storeMock{InsertFunc: func(_ context.Context, p *Position) error { stored = p; return nil }}
	l := new(ledgerMock)
	l.On("Debit", ctx, "alice", "USDC", dec("100"), purpose(ledger.PurposeStakeLock)).Return(nil).Once()
	n := &recordingNotifier{}
	e := NewEngine(store, l, decimal.Zero, zap.NewNop()).WithNotifier(n)

	p, err := e.Create(ctx, CreateRequest{UserID: "alice", Token: "usdc", Amount: dec("100"), DurationDays: 30})
	require.NoError(t, err)
	require.Len(t, n.events, 1)
	require.Equal(t, rewards.EventStakeCreated, n.events[0].Type)
	require.Equal(t, p.ID.String(), n.events[0].Reference)
	require.True(t, n.events[0].Amount.Equal(dec("100")))

	stored.StartDate = time.Now().Add(-40 * day)
	stored.EndDate = stored.StartDate.Add(30 * day)
	active := activeStore(stored)
	l.On("Credit", ctx, "alice", "USDC", mock.Anything, purpose(ledger.PurposeStakeRelease)).Return(nil).Once()
	e = NewEngine(active, l, decimal.Zero, zap.NewNop()).WithNotifier(n)

	res, err := e.Withdraw(ctx, WithdrawRequest{UserID: "alice", StakeID: p.ID})
	require.NoError(t, err)
	require.Len(t, n.events, 2)
	require.Equal(t, rewards.EventStakeWithdrawn, n.events[1].Type)
	require.True(t, n.events[1].Amount.Equal(res.Payout))
	l.AssertExpectations(t)
}

func TestEngine_FailedWithdrawDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	p := position("100", 30, time.Now().Add(-40*day))
	p.ID, p.UserID, p.Token = uuid.New(), "alice", "USDC"
	store := activeStore(p)
	store.RevertWithdrawnFunc = func(context.Context, uuid.UUID) (bool, error) { return true, nil }
	l := new(ledgerMock)
	l.On("Credit", ctx, "alice", "USDC", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	n := &recordingNotifier{}
	e := NewEngine(store, l, decimal.Zero, zap.NewNop()).WithNotifier(n)

	_, err := e.Withdraw(ctx, WithdrawRequest{UserID: "alice", StakeID: p.ID})
	require.Error(t, err)
	require.Empty(t, n.events)
}
