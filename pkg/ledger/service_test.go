package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type storeMock struct {
	mock.Mock
}

func (m *storeMock) GetBalance(ctx context.Context, userID, token string, chainID int64) (*WalletBalance, error) {
	args := m.Called(ctx, userID, token, chainID)
	if b, ok := args.Get(0).(*WalletBalance); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *storeMock) ListBalances(ctx context.Context, userID string) ([]*WalletBalance, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*WalletBalance), args.Error(1)
}

func (m *storeMock) Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, entry *Transaction) error {
	return m.Called(ctx, from, to, token, amount, entry).Error(0)
}

func (m *storeMock) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).([]*Transaction), args.Error(1)
}

func TestService_Transfer_WritesInternalEntry(t *testing.T) {
	ctx := context.Background()
	store := new(storeMock)
	svc := NewService(store, zap.NewNop())

	amount := decimal.RequireFromString("12.5")
	store.On("Transfer", ctx, "alice", "bob", "USDC", amount, mock.MatchedBy(func(e *Transaction) bool {
		return e.Type == TypeInternal &&
			e.Purpose == PurposeP2PTransfer &&
			e.Status == StatusCompleted &&
			e.SenderID == "alice" && e.RecipientID == "bob"
	})).Return(nil).Once()

	entry, err := svc.Transfer(ctx, TransferRequest{FromUserID: "alice", ToUserID: "bob", Token: "usdc", Amount: amount})
	require.NoError(t, err)
	require.Equal(t, "USDC", entry.Token)
	store.AssertExpectations(t)
}

func TestService_Transfer_Validation(t *testing.T) {
	svc := NewService(new(storeMock), zap.NewNop())
	ctx := context.Background()

	cases := map[string]TransferRequest{
		"self":      {FromUserID: "a", ToUserID: "a", Token: "USDC", Amount: decimal.NewFromInt(1)},
		"zero":      {FromUserID: "a", ToUserID: "b", Token: "USDC", Amount: decimal.Zero},
		"negative":  {FromUserID: "a", ToUserID: "b", Token: "USDC", Amount: decimal.NewFromInt(-1)},
		"no token":  {FromUserID: "a", ToUserID: "b", Amount: decimal.NewFromInt(1)},
		"no sender": {ToUserID: "b", Token: "USDC", Amount: decimal.NewFromInt(1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Transfer(ctx, req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestService_Transfer_PropagatesInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	store := new(storeMock)
	svc := NewService(store, zap.NewNop())

	shortErr := &InsufficientBalanceError{
		Token:     "USDC",
		Required:  decimal.NewFromInt(10),
		Available: decimal.NewFromInt(4),
	}
	store.On("Transfer", ctx, "alice", "bob", "USDC", decimal.NewFromInt(10), mock.Anything).Return(shortErr).Once()

	_, err := svc.Transfer(ctx, TransferRequest{FromUserID: "alice", ToUserID: "bob", Token: "USDC", Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	var balErr *InsufficientBalanceError
	require.True(t, errors.As(err, &balErr))
	require.True(t, balErr.Shortfall().Equal(decimal.NewFromInt(6)))
}

func TestInsufficientBalanceError_ShortfallNeverNegative(t *testing.T) {
	err := &InsufficientBalanceError{Required: decimal.NewFromInt(1), Available: decimal.NewFromInt(5)}
	require.True(t, err.Shortfall().IsZero())
}
