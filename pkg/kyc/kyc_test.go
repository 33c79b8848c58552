package kyc

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/pgutil"
)

func setupService(t *testing.T, fees config.FeeConfig) (context.Context, *pgStore, *Service) {
	t.Helper()
	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	require.NoError(t, CreateSchema(ctx, db))

	store := NewStore(db)
	return ctx, store, NewService(store, fees, zap.NewNop())
}

func TestService_TierAndApproval(t *testing.T) {
	ctx, store, svc := setupService(t, config.FeeConfig{})

	require.NoError(t, store.UpsertProfile(ctx, &Profile{UserID: "alice", Tier: "basic", Status: StatusApproved}))
	require.NoError(t, store.UpsertProfile(ctx, &Profile{UserID: "bob", Tier: "gold", Status: StatusPending}))

	tier, err := svc.Tier(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "basic", tier.Name)
	require.True(t, tier.DailyLimitUSD.Equal(decimal.NewFromInt(500)))

	_, err = svc.Tier(ctx, "bob")
	require.ErrorIs(t, err, ErrTierNotFound)

	_, err = svc.Tier(ctx, "nobody")
	require.ErrorIs(t, err, ErrProfileNotFound)

	ok, err := svc.IsApproved(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.IsApproved(ctx, "bob")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.IsApproved(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestService_WithdrawalFee(t *testing.T) {
	ctx, store, svc := setupService(t, config.FeeConfig{DefaultWithdrawal: map[string]decimal.Decimal{
		"usdc": decimal.RequireFromString("1"),
		"ETH":  decimal.RequireFromString("0.001"),
	}})

	require.NoError(t, store.SetSetting(ctx, FeeSettingKey("usdc"), "0.5"))

	fee, err := svc.WithdrawalFee(ctx, "USDC")
	require.NoError(t, err)
	require.True(t, fee.Equal(decimal.RequireFromString("0.5")))

	fee, err = svc.WithdrawalFee(ctx, "eth")
	require.NoError(t, err)
	require.True(t, fee.Equal(decimal.RequireFromString("0.001")))

	fee, err = svc.WithdrawalFee(ctx, "DAI")
	require.NoError(t, err)
	require.True(t, fee.IsZero())

	require.NoError(t, store.SetSetting(ctx, FeeSettingKey("DAI"), "abc"))
	_, err = svc.WithdrawalFee(ctx, "DAI")
	require.Error(t, err)
}
