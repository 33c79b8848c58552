// Package ethereum builds and signs the outbound transfers sent by the
// platform: sweeps from custodial wallets and withdrawals from the treasury.
package ethereum

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/keys"
)

// GasOracle suggests gas prices per chain.
type GasOracle interface {
	SuggestGasPrice(ctx context.Context, chainID int64) (*big.Int, error)
}

// NonceSource hands out per-signer nonces.
type NonceSource interface {
	Next(ctx context.Context, chainID int64, address common.Address) (uint64, error)
	Release(ctx context.Context, chainID int64, address common.Address, nonce uint64)
}

// Transfer describes a single token movement to sign.
type Transfer struct {
	Chain  *chain.Chain
	Token  chain.Token
	From   *keys.KeyPair
	To     common.Address
	Amount *big.Int
	// GasPrice is fetched when nil.
	GasPrice *big.Int
}

// Signed is a signed transaction ready for broadcast. Its hash is final.
type Signed struct {
	Tx      *types.Transaction
	Hash    common.Hash
	ChainID int64
	From    common.Address
	Nonce   uint64
	GasCost *big.Int
	// Raw is the hex encoded transaction, see DecodeRaw.
	Raw string
}

// Transactor signs transfers with nonces from a NonceSource.
type Transactor struct {
	gas    GasOracle
	nonces NonceSource
	logger *zap.Logger
}

// NewTransactor creates a new transactor
func NewTransactor(gas GasOracle, nonces NonceSource, logger *zap.Logger) *Transactor {
	return &Transactor{gas: gas, nonces: nonces, logger: logger}
}

// GasPrice returns the suggested gas price capped at the chain's maximum.
func (t *Transactor) GasPrice(ctx context.Context, c *chain.Chain) (*big.Int, error) {
	gasPrice, err := t.gas.SuggestGasPrice(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	if c.MaxGasPrice != nil && gasPrice.Cmp(c.MaxGasPrice) > 0 {
		t.logger.Warn("Suggested gas price exceeds maximum",
			zap.Int64("chain_id", c.ID),
			zap.String("suggested", gasPrice.String()),
			zap.String("max", c.MaxGasPrice.String()))
		return new(big.Int).Set(c.MaxGasPrice), nil
	}
	return gasPrice, nil
}

// GasCost returns gasLimit × gasPrice for a transfer of token.
func GasCost(token chain.Token, gasPrice *big.Int) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(token.GasLimit), gasPrice)
}

// SignTransfer assigns a nonce and signs the transfer. The nonce is released
// if signing fails; after a successful return the caller owns the nonce and
// must Release it if the transaction is never broadcast.
func (t *Transactor) SignTransfer(ctx context.Context, tr Transfer) (*Signed, error) {
	if tr.Amount == nil || tr.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", chain.ErrInvalidAmount)
	}

	gasPrice := tr.GasPrice
	if gasPrice == nil {
		var err error
		gasPrice, err = t.GasPrice(ctx, tr.Chain)
		if err != nil {
			return nil, err
		}
	}

	to, value, data, err := callFor(tr)
	if err != nil {
		return nil, err
	}

	nonce, err := t.nonces.Next(ctx, tr.Chain.ID, tr.From.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      tr.Token.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signer := types.LatestSignerForChainID(big.NewInt(tr.Chain.ID))
	signed, err := types.SignTx(tx, signer, tr.From.PrivateKey)
	if err != nil {
		t.nonces.Release(ctx, tr.Chain.ID, tr.From.Address, nonce)
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		t.nonces.Release(ctx, tr.Chain.ID, tr.From.Address, nonce)
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	t.logger.Debug("Signed transfer",
		zap.Int64("chain_id", tr.Chain.ID),
		zap.String("token", tr.Token.Symbol),
		zap.String("from", tr.From.Address.Hex()),
		zap.String("to", tr.To.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", signed.Hash().Hex()))

	return &Signed{
		Tx:      signed,
		Hash:    signed.Hash(),
		ChainID: tr.Chain.ID,
		From:    tr.From.Address,
		Nonce:   nonce,
		GasCost: GasCost(tr.Token, gasPrice),
		Raw:     hexutil.Encode(raw),
	}, nil
}

// DecodeRaw parses a transaction encoded by SignTransfer.
func DecodeRaw(raw string) (*types.Transaction, error) {
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to decode raw transaction: %w", err)
	}
	return tx, nil
}

// Release hands the nonce of a never-broadcast transaction back.
func (t *Transactor) Release(ctx context.Context, s *Signed) {
	t.nonces.Release(ctx, s.ChainID, s.From, s.Nonce)
}

func callFor(tr Transfer) (common.Address, *big.Int, []byte, error) {
	if tr.Token.Native {
		return tr.To, tr.Amount, nil, nil
	}
	data, err := chain.PackTransfer(tr.To, tr.Amount)
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return tr.Token.Address, big.NewInt(0), data, nil
}
