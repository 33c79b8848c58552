package reconciler

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

var aliceWallet = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeChain struct {
	head     uint64
	balances map[string]decimal.Decimal
	receipts map[common.Hash]*types.Receipt
	err      error
}

func (f *fakeChain) HeadBlock(context.Context, int64) (uint64, error) {
	return f.head, f.err
}

func (f *fakeChain) Balance(_ context.Context, _ int64, token chain.Token, _ common.Address, block *big.Int) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	if block == nil || block.Uint64() != f.head {
		return decimal.Zero, errors.New("balance read off head")
	}
	return f.balances[token.Symbol], nil
}

func (f *fakeChain) Receipt(_ context.Context, _ int64, hash common.Hash) (*types.Receipt, error) {
	return f.receipts[hash], nil
}

type fakeWallets struct {
	wallets map[string]*custody.Wallet
}

func (f *fakeWallets) Wallet(_ context.Context, userID string, _ int64) (*custody.Wallet, error) {
	w, ok := f.wallets[userID]
	if !ok {
		return nil, custody.ErrWalletNotFound
	}
	return w, nil
}

func (f *fakeWallets) ListWallets(context.Context, int64) ([]*custody.Wallet, error) {
	var out []*custody.Wallet
	for _, w := range f.wallets {
		out = append(out, w)
	}
	return out, nil
}

type memStore struct {
	balances map[string]*ledger.WalletBalance
	totals   map[string]*ledger.Totals
	sweeps   []*ledger.Transaction
	setErr   error
	sets     int
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[string]*ledger.WalletBalance),
		totals:   make(map[string]*ledger.Totals),
	}
}

func (m *memStore) GetBalance(_ context.Context, userID, token string, chainID int64) (*ledger.WalletBalance, error) {
	if b, ok := m.balances[userID+token]; ok {
		cp := *b
		return &cp, nil
	}
	return &ledger.WalletBalance{UserID: userID, Token: token, ChainID: chainID}, nil
}

func (m *memStore) SetBalance(_ context.Context, userID, token string, chainID int64, balance decimal.Decimal, expected int64) error {
	if m.setErr != nil {
		return m.setErr
	}
	cur, _ := m.GetBalance(context.Background(), userID, token, chainID)
	if cur.Version != expected {
		return ledger.ErrBalanceConflict
	}
	m.sets++
	m.balances[userID+token] = &ledger.WalletBalance{
		UserID: userID, Token: token, ChainID: chainID, Balance: balance, Version: expected + 1,
	}
	return nil
}

func (m *memStore) Totals(_ context.Context, userID, token string) (*ledger.Totals, error) {
	if t, ok := m.totals[userID+token]; ok {
		return t, nil
	}
	return &ledger.Totals{}, nil
}

func (m *memStore) Sweeps(_ context.Context, userID string) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	for _, s := range m.sweeps {
		if s.SenderID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) BalanceOwners(context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, b := range m.balances {
		if !seen[b.UserID] {
			seen[b.UserID] = true
			out = append(out, b.UserID)
		}
	}
	return out, nil
}

type fixture struct {
	rec   *Reconciler
	chain *fakeChain
	store *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := chain.NewRegistry([]config.ChainConfig{{
		ChainID:         1,
		Name:            "ethereum",
		NativeSymbol:    "eth",
		NativeDecimals:  18,
		TreasuryAddress: "0x00000000000000000000000000000000000000ff",
		Tokens: []config.TokenConfig{{
			Symbol:   "usdc",
			Address:  "0x00000000000000000000000000000000000000aa",
			Decimals: 6,
		}},
	}})
	require.NoError(t, err)

	f := &fixture{
		chain: &fakeChain{
			head:     100,
			balances: make(map[string]decimal.Decimal),
			receipts: make(map[common.Hash]*types.Receipt),
		},
		store: newMemStore(),
	}
	wallets := &fakeWallets{wallets: map[string]*custody.Wallet{
		"alice": {UserID: "alice", ChainID: 1, Address: aliceWallet},
	}}
	f.rec = New(registry, f.chain, wallets, f.store, 0, zap.NewNop())
	return f
}

func sweep(token, amount, gas string, status ledger.Status, block uint64, hash string) *ledger.Transaction {
	return &ledger.Transaction{
		SenderID:    "alice",
		Token:       token,
		Amount:      d(amount),
		GasFee:      d(gas),
		Type:        ledger.TypeSweep,
		Purpose:     ledger.PurposeTreasurySweep,
		Status:      status,
		ChainID:     1,
		BlockNumber: block,
		TxHash:      hash,
	}
}

func TestCompute(t *testing.T) {
	got := Compute(Inputs{
		OnChain:         d("20"),
		InternalCredits: d("5"),
		InternalDebits:  d("10.5"),
		Withdrawals:     d("80.5"),
		Sweeps:          d("100"),
	})
	require.True(t, got.Equal(d("34")), got.String())
}

func TestReconcile_DepositThenIdempotent(t *testing.T) {
	f := newFixture(t)
	f.chain.balances["USDC"] = d("100")
	ctx := context.Background()

	res, err := f.rec.Reconcile(ctx, "alice", "usdc")
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, res.Status)
	require.True(t, res.Balance.Equal(d("100")))

	res, err = f.rec.Reconcile(ctx, "alice", "USDC")
	require.NoError(t, err)
	require.Equal(t, StatusUnchanged, res.Status)
	require.True(t, res.Balance.Equal(d("100")))
	require.Equal(t, 1, f.store.sets)
}

func TestReconcile_WithdrawalScenario(t *testing.T) {
	f := newFixture(t)
	f.chain.balances["USDC"] = d("0")
	f.store.sweeps = []*ledger.Transaction{sweep("USDC", "100", "0.002", ledger.StatusCompleted, 90, "0x01")}
	f.store.totals["aliceUSDC"] = &ledger.Totals{Withdrawals: d("80.5")}

	res, err := f.rec.Reconcile(context.Background(), "alice", "USDC")
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(d("19.5")), res.Balance.String())
}

func TestReconcile_SweepCounting(t *testing.T) {
	f := newFixture(t)
	// 100 USDC deposited and swept; 1 USDC second deposit still on chain.
	// Native 0.05 minus gas paid by two sweeps.
	f.chain.balances["USDC"] = d("1")
	f.chain.balances["ETH"] = d("0.047")
	f.store.sweeps = []*ledger.Transaction{
		sweep("USDC", "100", "0.002", ledger.StatusCompleted, 90, "0x01"),
		sweep("USDC", "1", "0.001", ledger.StatusFailed, 95, "0x02"),
		sweep("USDC", "1", "0.001", ledger.StatusFailed, 0, "0x03"),
		sweep("USDC", "5", "0.001", ledger.StatusPending, 0, "0x04"),
	}
	// the pending sweep mined after the balance read
	f.chain.receipts[common.HexToHash("0x04")] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101),
	}
	ctx := context.Background()

	usdc, err := f.rec.Reconcile(ctx, "alice", "USDC")
	require.NoError(t, err)
	require.True(t, usdc.Balance.Equal(d("101")), usdc.Balance.String())

	eth, err := f.rec.Reconcile(ctx, "alice", "ETH")
	require.NoError(t, err)
	require.True(t, eth.Balance.Equal(d("0.05")), eth.Balance.String())
}

func TestReconcile_PendingSweepWithReceiptCounts(t *testing.T) {
	f := newFixture(t)
	f.chain.balances["USDC"] = d("0")
	f.store.sweeps = []*ledger.Transaction{sweep("USDC", "40", "0", ledger.StatusPending, 0, "0x05")}
	f.chain.receipts[common.HexToHash("0x05")] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99),
	}

	res, err := f.rec.Reconcile(context.Background(), "alice", "USDC")
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(d("40")), res.Balance.String())
}

func TestReconcile_NegativeIsInconsistency(t *testing.T) {
	f := newFixture(t)
	f.chain.balances["USDC"] = d("10")
	f.store.totals["aliceUSDC"] = &ledger.Totals{Withdrawals: d("50")}

	_, err := f.rec.Reconcile(context.Background(), "alice", "USDC")
	require.ErrorIs(t, err, ledger.ErrInternalInconsistency)
	require.Zero(t, f.store.sets)

	_, err = f.rec.ReconcileAll(context.Background())
	require.ErrorIs(t, err, ledger.ErrInternalInconsistency)
}

func TestReconcile_ChainFailureIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.chain.err = chain.ErrChainUnavailable

	res, err := f.rec.Reconcile(context.Background(), "alice", "USDC")
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, res.Status)
	require.ErrorIs(t, res.Err, chain.ErrChainUnavailable)
	require.Zero(t, f.store.sets)
}

func TestReconcile_ConflictIsReported(t *testing.T) {
	f := newFixture(t)
	f.chain.balances["USDC"] = d("7")
	f.store.setErr = ledger.ErrBalanceConflict

	res, err := f.rec.Reconcile(context.Background(), "alice", "USDC")
	require.NoError(t, err)
	require.Equal(t, StatusConflict, res.Status)
}

func TestReconcileAll_CoversWalletOwnersAndTokens(t *testing.T) {
	f := newFixture(t)
	f.chain.balances["USDC"] = d("3")
	f.store.balances["bobUSDC"] = &ledger.WalletBalance{UserID: "bob", Token: "USDC", Balance: d("0"), Version: 1}

	report, err := f.rec.ReconcileAll(context.Background())
	require.NoError(t, err)
	// alice and bob, ETH and USDC each
	require.Len(t, report.Results, 4)
	// bob's stored USDC row is already zero; every other pair is written
	require.Equal(t, 3, report.Updated)
	require.Equal(t, 1, report.Unchanged)
}

func TestRun_StopsOnCanceledContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Run(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.rec.Run(ctx), context.Canceled)
}
