package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/keys"
)

type fixedGas struct {
	price *big.Int
	err   error
}

func (f fixedGas) SuggestGasPrice(context.Context, int64) (*big.Int, error) {
	return f.price, f.err
}

type countingNonces struct {
	next     uint64
	released []uint64
}

func (c *countingNonces) Next(context.Context, int64, common.Address) (uint64, error) {
	n := c.next
	c.next++
	return n, nil
}

func (c *countingNonces) Release(_ context.Context, _ int64, _ common.Address, n uint64) {
	c.released = append(c.released, n)
}

var (
	usdc = chain.Token{Symbol: "USDC", Address: common.HexToAddress("0xaa"), Decimals: 6, GasLimit: 100000}
	eth  = chain.Token{Symbol: "ETH", Native: true, Decimals: 18, GasLimit: 21000}
)

func testChain() *chain.Chain {
	return &chain.Chain{ID: 1, Name: "ethereum", Native: eth, MaxGasPrice: big.NewInt(50)}
}

func TestTransactor_GasPriceCapped(t *testing.T) {
	tr := NewTransactor(fixedGas{price: big.NewInt(80)}, &countingNonces{}, zap.NewNop())
	p, err := tr.GasPrice(context.Background(), testChain())
	require.NoError(t, err)
	require.Equal(t, int64(50), p.Int64())

	tr = NewTransactor(fixedGas{price: big.NewInt(30)}, &countingNonces{}, zap.NewNop())
	p, err = tr.GasPrice(context.Background(), testChain())
	require.NoError(t, err)
	require.Equal(t, int64(30), p.Int64())

	tr = NewTransactor(fixedGas{err: errors.New("down")}, &countingNonces{}, zap.NewNop())
	_, err = tr.GasPrice(context.Background(), testChain())
	require.Error(t, err)
}

func TestTransactor_SignERC20Transfer(t *testing.T) {
	from, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	nonces := &countingNonces{next: 4}
	tr := NewTransactor(fixedGas{price: big.NewInt(10)}, nonces, zap.NewNop())
	to := common.HexToAddress("0xbb")

	s, err := tr.SignTransfer(context.Background(), Transfer{
		Chain: testChain(), Token: usdc, From: from, To: to, Amount: big.NewInt(19_500_000),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), s.Nonce)
	require.Equal(t, usdc.Address, *s.Tx.To())
	require.Zero(t, s.Tx.Value().Sign())
	require.Equal(t, int64(1_000_000), s.GasCost.Int64())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), s.Tx)
	require.NoError(t, err)
	require.Equal(t, from.Address, sender)

	want, err := chain.PackTransfer(to, big.NewInt(19_500_000))
	require.NoError(t, err)
	require.Equal(t, want, s.Tx.Data())
}

func TestTransactor_SignNativeTransfer(t *testing.T) {
	from, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	nonces := &countingNonces{}
	tr := NewTransactor(fixedGas{price: big.NewInt(10)}, nonces, zap.NewNop())
	to := common.HexToAddress("0xbb")

	s, err := tr.SignTransfer(context.Background(), Transfer{
		Chain: testChain(), Token: eth, From: from, To: to, Amount: big.NewInt(1000), GasPrice: big.NewInt(7),
	})
	require.NoError(t, err)
	require.Equal(t, to, *s.Tx.To())
	require.Equal(t, int64(1000), s.Tx.Value().Int64())
	require.Equal(t, int64(7), s.Tx.GasPrice().Int64())

	tr.Release(context.Background(), s)
	require.Equal(t, []uint64{0}, nonces.released)
}

func TestTransactor_RejectsNonPositiveAmount(t *testing.T) {
	from, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	tr := NewTransactor(fixedGas{price: big.NewInt(10)}, &countingNonces{}, zap.NewNop())

	_, err = tr.SignTransfer(context.Background(), Transfer{
		Chain: testChain(), Token: eth, From: from, To: common.HexToAddress("0xbb"), Amount: big.NewInt(0),
	})
	require.ErrorIs(t, err, chain.ErrInvalidAmount)
}

func TestTransactor_RawRoundTrip(t *testing.T) {
	from, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	tr := NewTransactor(fixedGas{price: big.NewInt(10)}, &countingNonces{next: 9}, zap.NewNop())

	s, err := tr.SignTransfer(context.Background(), Transfer{
		Chain: testChain(), Token: eth, From: from, To: common.HexToAddress("0xbb"), Amount: big.NewInt(1000),
	})
	require.NoError(t, err)
	require.NotEmpty(t, s.Raw)

	tx, err := DecodeRaw(s.Raw)
	require.NoError(t, err)
	require.Equal(t, s.Hash, tx.Hash())
	require.Equal(t, uint64(9), tx.Nonce())

	_, err = DecodeRaw("0xzz")
	require.Error(t, err)
}
