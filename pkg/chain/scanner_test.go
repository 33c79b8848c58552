package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/config"
)

var (
	testToken  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testWallet = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testOther  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type fakeBackend struct {
	mu         sync.Mutex
	native     map[common.Address]*big.Int
	tokens     map[common.Address]*big.Int
	logs       []types.Log
	head       uint64
	failures   int
	calls      int
	sendErr    error
	sendErrs   []error
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	nonce      uint64
	confirmed  uint64
	gasPrice   *big.Int
	blockDelay time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		native:   make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		gasPrice: big.NewInt(1_000_000_000),
	}
}

func (f *fakeBackend) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	if f.blockDelay > 0 {
		select {
		case <-time.After(f.blockDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v, ok := f.native[account]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	owner := common.BytesToAddress(msg.Data[4:36])
	v, ok := f.tokens[owner]
	if !ok {
		v = big.NewInt(0)
	}
	return math.U256Bytes(new(big.Int).Set(v)), nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matchTopics(l.Topics, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(have []common.Hash, want [][]common.Hash) bool {
	for i, alts := range want {
		if len(alts) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		var ok bool
		for _, a := range alts {
			if have[i] == a {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return f.sendErr
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.confirmed, nil
}

// jsonRPCError mimics the error ethclient returns for a JSON-RPC error response.
type jsonRPCError struct {
	code int
	msg  string
}

func (e jsonRPCError) Error() string  { return e.msg }
func (e jsonRPCError) ErrorCode() int { return e.code }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) Close() {}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]config.ChainConfig{{
		ChainID:         1,
		Name:            "ethereum",
		NativeSymbol:    "eth",
		NativeDecimals:  18,
		NativeGasLimit:  21000,
		TreasuryAddress: "0x00000000000000000000000000000000000000ff",
		Tokens: []config.TokenConfig{{
			Symbol:   "usdc",
			Address:  testToken.Hex(),
			Decimals: 6,
			GasLimit: 100000,
		}},
	}})
	require.NoError(t, err)
	return r
}

func testScanner(t *testing.T, b *fakeBackend) *Scanner {
	t.Helper()
	return NewScanner(testRegistry(t), map[int64]Backend{1: b},
		config.RPCConfig{Timeout: time.Second, Retries: 1}, zap.NewNop())
}

func transferLog(from, to common.Address, value int64, block uint64, index uint, hash string) types.Log {
	return types.Log{
		Address:     testToken,
		Topics:      []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        math.U256Bytes(big.NewInt(value)),
		BlockNumber: block,
		TxHash:      common.HexToHash(hash),
		Index:       index,
	}
}

func TestScanner_BalancesAreScaled(t *testing.T) {
	b := newFakeBackend()
	b.native[testWallet], _ = new(big.Int).SetString("1500000000000000000", 10)
	b.tokens[testWallet] = big.NewInt(19_500_000)
	s := testScanner(t, b)
	ctx := context.Background()

	eth, err := s.NativeBalance(ctx, testWallet, 1)
	require.NoError(t, err)
	require.True(t, eth.Equal(decimal.RequireFromString("1.5")), eth.String())

	usdc, err := s.TokenBalance(ctx, testToken, testWallet, 1)
	require.NoError(t, err)
	require.True(t, usdc.Equal(decimal.RequireFromString("19.5")), usdc.String())

	again, err := s.TokenBalance(ctx, testToken, testWallet, 1)
	require.NoError(t, err)
	require.True(t, usdc.Equal(again))
}

func TestScanner_UnsupportedChainAndToken(t *testing.T) {
	s := testScanner(t, newFakeBackend())
	ctx := context.Background()

	_, err := s.NativeBalance(ctx, testWallet, 56)
	require.ErrorIs(t, err, ErrUnsupportedChain)

	_, err = s.TokenBalance(ctx, testOther, testWallet, 1)
	require.ErrorIs(t, err, ErrUnsupportedToken)
}

func TestScanner_RetriesOnceThenFails(t *testing.T) {
	b := newFakeBackend()
	b.head = 100
	b.failures = 1
	s := testScanner(t, b)

	head, err := s.HeadBlock(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), head)
	require.Equal(t, 2, b.calls)

	b.failures = 2
	_, err = s.HeadBlock(context.Background(), 1)
	require.ErrorIs(t, err, ErrChainUnavailable)
}

func TestScanner_TimeoutBecomesUnavailable(t *testing.T) {
	b := newFakeBackend()
	b.blockDelay = time.Second
	s := NewScanner(testRegistry(t), map[int64]Backend{1: b},
		config.RPCConfig{Timeout: 20 * time.Millisecond}, zap.NewNop())

	_, err := s.NativeBalance(context.Background(), testWallet, 1)
	require.ErrorIs(t, err, ErrChainUnavailable)
}

func TestScanner_TransferLogsMergedAndOrdered(t *testing.T) {
	b := newFakeBackend()
	b.logs = []types.Log{
		transferLog(testOther, testWallet, 5, 12, 1, "0x02"),
		transferLog(testWallet, testOther, 3, 10, 4, "0x01"),
		transferLog(testOther, testOther, 9, 11, 0, "0x03"),
		transferLog(testWallet, testWallet, 1, 12, 0, "0x04"),
		transferLog(testOther, testWallet, 7, 30, 0, "0x05"),
	}
	s := testScanner(t, b)

	logs, err := s.TransferLogs(context.Background(), 1, testToken, testWallet, 10, 20)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, uint64(10), logs[0].BlockNumber)
	require.Equal(t, common.HexToHash("0x04"), logs[1].TxHash)
	require.Equal(t, common.HexToHash("0x02"), logs[2].TxHash)

	empty, err := s.TransferLogs(context.Background(), 1, testToken, testWallet, 20, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestScanner_ReceiptNotMined(t *testing.T) {
	s := testScanner(t, newFakeBackend())

	r, err := s.Receipt(context.Background(), 1, common.HexToHash("0x99"))
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestScanner_SendAlreadyKnownIsSuccess(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errors.New("already known")
	s := testScanner(t, b)

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &testOther, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
	require.NoError(t, s.SendTransaction(context.Background(), 1, tx))
	require.Len(t, b.sent, 1)
}

func testTx() *types.Transaction {
	return types.NewTx(&types.LegacyTx{Nonce: 1, To: &testOther, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})
}

func TestScanner_SendRejectedIsNotRetried(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = jsonRPCError{code: -32000, msg: "insufficient funds for gas * price + value"}
	s := testScanner(t, b)

	err := s.SendTransaction(context.Background(), 1, testTx())
	require.ErrorIs(t, err, ErrTransactionRejected)
	require.NotErrorIs(t, err, ErrChainUnavailable)
	require.Len(t, b.sent, 1)
}

func TestScanner_SendTimeoutOutcomeUnknown(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = context.DeadlineExceeded
	s := testScanner(t, b)

	err := s.SendTransaction(context.Background(), 1, testTx())
	require.ErrorIs(t, err, ErrChainUnavailable)
	require.NotErrorIs(t, err, ErrTransactionRejected)
}

func TestScanner_SendRejectionAfterTimeoutIsNotDefinitive(t *testing.T) {
	b := newFakeBackend()
	// The first attempt may have reached the pool, so a rejection of the
	// retry says nothing about the first one.
	b.sendErrs = []error{
		context.DeadlineExceeded,
		jsonRPCError{code: -32000, msg: "insufficient funds for gas * price + value"},
	}
	s := testScanner(t, b)

	err := s.SendTransaction(context.Background(), 1, testTx())
	require.ErrorIs(t, err, ErrChainUnavailable)
	require.NotErrorIs(t, err, ErrTransactionRejected)
	require.Len(t, b.sent, 2)
}

func TestScanner_SendTimeoutThenKnownIsSuccess(t *testing.T) {
	b := newFakeBackend()
	b.sendErrs = []error{context.DeadlineExceeded, errors.New("already known")}
	s := testScanner(t, b)

	require.NoError(t, s.SendTransaction(context.Background(), 1, testTx()))
}

func TestScanner_SendNonceTooLowIsNotARejection(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = jsonRPCError{code: -32000, msg: "nonce too low: next nonce 5, tx nonce 1"}
	s := testScanner(t, b)

	err := s.SendTransaction(context.Background(), 1, testTx())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTransactionRejected)
}

func TestScanner_ConfirmedNonce(t *testing.T) {
	b := newFakeBackend()
	b.confirmed = 12
	s := testScanner(t, b)

	n, err := s.ConfirmedNonce(context.Background(), 1, testWallet)
	require.NoError(t, err)
	require.Equal(t, uint64(12), n)
}

func TestDecodeTransfer(t *testing.T) {
	l := transferLog(testOther, testWallet, 42, 7, 2, "0xab")
	got, err := DecodeTransfer(l)
	require.NoError(t, err)
	require.Equal(t, testOther, got.From)
	require.Equal(t, testWallet, got.To)
	require.Equal(t, int64(42), got.Value.Int64())
	require.Equal(t, uint(2), got.LogIndex)

	short := l
	short.Topics = short.Topics[:2]
	_, err = DecodeTransfer(short)
	require.ErrorIs(t, err, ErrMalformedLog)

	badData := l
	badData.Data = []byte{1, 2}
	_, err = DecodeTransfer(badData)
	require.ErrorIs(t, err, ErrMalformedLog)
}

func TestToBaseUnits(t *testing.T) {
	v, err := ToBaseUnits(decimal.RequireFromString("19.5"), 6)
	require.NoError(t, err)
	require.Equal(t, int64(19_500_000), v.Int64())

	_, err = ToBaseUnits(decimal.RequireFromString("0.0000001"), 6)
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.True(t, ToDecimal(big.NewInt(1), 18).Equal(decimal.RequireFromString("0.000000000000000001")))
}
