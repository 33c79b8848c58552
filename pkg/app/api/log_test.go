package api

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chainsafe/custody-core/pkg/ledger"
)

func TestLedgerLog_Transfer(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	id := uuid.New()
	svc := NewLedgerLog(&ledgerFake{
		TransferFunc: func(context.Context, ledger.TransferRequest) (*ledger.Transaction, error) {
			return &ledger.Transaction{ID: id}, nil
		},
	}, zap.New(core))

	tx, err := svc.Transfer(context.Background(), ledger.TransferRequest{
		FromUserID: "alice", ToUserID: "bob", Token: "USDC", Amount: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Equal(t, id, tx.ID)

	entries := logs.FilterMessage("Transfer completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, ledgerServiceName, fields["service"])
	require.Equal(t, id.String(), fields["transaction_id"])
	require.Equal(t, "5", fields["amount"])
}

func TestLedgerLog_FailureLoggedAtWarn(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := NewLedgerLog(&ledgerFake{
		BalanceFunc: func(context.Context, string, string) (*ledger.WalletBalance, error) {
			return nil, ledger.ErrInsufficientBalance
		},
		TransferFunc: func(context.Context, ledger.TransferRequest) (*ledger.Transaction, error) {
			return nil, ledger.ErrInsufficientBalance
		},
	}, zap.New(core))

	_, err := svc.Transfer(context.Background(), ledger.TransferRequest{FromUserID: "alice", ToUserID: "bob"})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, err = svc.Balance(context.Background(), "alice", "ETH")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	require.Equal(t, 1, logs.FilterMessage("Transfer failed").Len())
	require.Equal(t, 1, logs.FilterMessage("Balance failed").Len())
	require.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestLedgerLog_ReadsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := NewLedgerLog(&ledgerFake{}, zap.New(core))

	_, err := svc.Balances(context.Background(), "alice")
	require.NoError(t, err)
	_, err = svc.History(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Zero(t, logs.Len())
}
