package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/config"
)

// Backend is the subset of the JSON-RPC client the scanner depends on.
// *ethclient.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Close()
}

// Scanner performs bounded RPC calls against every configured chain.
// Each call gets its own timeout and is retried a fixed number of times
// before failing with ErrChainUnavailable.
type Scanner struct {
	registry *Registry
	backends map[int64]Backend
	timeout  time.Duration
	retries  int
	logger   *zap.Logger
}

// NewScanner creates a scanner over already-connected backends.
func NewScanner(registry *Registry, backends map[int64]Backend, rpc config.RPCConfig, logger *zap.Logger) *Scanner {
	timeout := rpc.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Scanner{
		registry: registry,
		backends: backends,
		timeout:  timeout,
		retries:  rpc.Retries,
		logger:   logger,
	}
}

// Dial connects an ethclient per configured chain.
func Dial(ctx context.Context, registry *Registry, chains []config.ChainConfig, rpc config.RPCConfig, logger *zap.Logger) (*Scanner, error) {
	backends := make(map[int64]Backend, len(chains))
	for _, c := range chains {
		client, err := ethclient.DialContext(ctx, c.RPCURL)
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, fmt.Errorf("failed to connect to chain %d RPC: %w", c.ChainID, err)
		}
		backends[c.ChainID] = client
		logger.Info("Connected to chain",
			zap.Int64("chain_id", c.ChainID),
			zap.String("name", c.Name))
	}
	return NewScanner(registry, backends, rpc, logger), nil
}

// Close closes every backend.
func (s *Scanner) Close() {
	for _, b := range s.backends {
		b.Close()
	}
}

// Registry returns the chain registry the scanner was built with.
func (s *Scanner) Registry() *Registry {
	return s.registry
}

// NativeBalance returns the native balance of wallet at the latest block.
func (s *Scanner) NativeBalance(ctx context.Context, wallet common.Address, chainID int64) (decimal.Decimal, error) {
	return s.NativeBalanceAt(ctx, wallet, chainID, nil)
}

// NativeBalanceAt returns the native balance of wallet at block (nil for latest).
func (s *Scanner) NativeBalanceAt(ctx context.Context, wallet common.Address, chainID int64, block *big.Int) (decimal.Decimal, error) {
	c, err := s.registry.Chain(chainID)
	if err != nil {
		return decimal.Zero, err
	}
	var raw *big.Int
	err = s.call(ctx, chainID, "balance", func(ctx context.Context, b Backend) error {
		v, err := b.BalanceAt(ctx, wallet, block)
		raw = v
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return ToDecimal(raw, c.Native.Decimals), nil
}

// TokenBalance returns the ERC-20 balance of wallet at the latest block.
func (s *Scanner) TokenBalance(ctx context.Context, token, wallet common.Address, chainID int64) (decimal.Decimal, error) {
	return s.TokenBalanceAt(ctx, token, wallet, chainID, nil)
}

// TokenBalanceAt returns the ERC-20 balance of wallet at block (nil for latest).
func (s *Scanner) TokenBalanceAt(ctx context.Context, token, wallet common.Address, chainID int64, block *big.Int) (decimal.Decimal, error) {
	c, err := s.registry.Chain(chainID)
	if err != nil {
		return decimal.Zero, err
	}
	decimals, ok := tokenDecimals(c, token)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, token.Hex(), chainID)
	}

	input, err := PackBalanceOf(wallet)
	if err != nil {
		return decimal.Zero, err
	}
	var raw *big.Int
	err = s.call(ctx, chainID, "balance_of", func(ctx context.Context, b Backend) error {
		out, err := b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, block)
		if err != nil {
			return err
		}
		raw, err = UnpackBalanceOf(out)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return ToDecimal(raw, decimals), nil
}

// Balance returns the balance of any configured asset at block (nil for latest).
func (s *Scanner) Balance(ctx context.Context, chainID int64, token Token, wallet common.Address, block *big.Int) (decimal.Decimal, error) {
	if token.Native {
		return s.NativeBalanceAt(ctx, wallet, chainID, block)
	}
	return s.TokenBalanceAt(ctx, token.Address, wallet, chainID, block)
}

// TransferLogs returns the Transfer logs of token in [fromBlock, toBlock] where
// wallet is either sender or recipient. The result is ordered by block and log
// index and contains each log once.
func (s *Scanner) TransferLogs(
	ctx context.Context,
	chainID int64,
	token, wallet common.Address,
	fromBlock, toBlock uint64,
) ([]types.Log, error) {
	if _, err := s.registry.Chain(chainID); err != nil {
		return nil, err
	}
	if toBlock < fromBlock {
		return nil, nil
	}

	walletTopic := common.BytesToHash(wallet.Bytes())
	queries := []ethereum.FilterQuery{
		{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{TransferTopic}, {walletTopic}},
		},
		{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{TransferTopic}, nil, {walletTopic}},
		},
	}

	type logKey struct {
		hash  common.Hash
		index uint
	}
	seen := make(map[logKey]struct{})
	var out []types.Log
	for _, q := range queries {
		var logs []types.Log
		err := s.call(ctx, chainID, "filter_logs", func(ctx context.Context, b Backend) error {
			var err error
			logs, err = b.FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			if l.Removed {
				continue
			}
			k := logKey{l.TxHash, l.Index}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, l)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// HeadBlock returns the latest block number.
func (s *Scanner) HeadBlock(ctx context.Context, chainID int64) (uint64, error) {
	var head uint64
	err := s.call(ctx, chainID, "block_number", func(ctx context.Context, b Backend) error {
		var err error
		head, err = b.BlockNumber(ctx)
		return err
	})
	return head, err
}

// Receipt returns the receipt of a mined transaction, or nil when it is not mined yet.
func (s *Scanner) Receipt(ctx context.Context, chainID int64, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := s.call(ctx, chainID, "receipt", func(ctx context.Context, b Backend) error {
		r, err := b.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		receipt = r
		return err
	})
	return receipt, err
}

// SendTransaction broadcasts a signed transaction. Re-broadcasting a
// transaction the node already knows counts as success.
//
// Only ErrTransactionRejected is a definitive failure. Any other error,
// ErrChainUnavailable included, leaves the outcome unknown: an attempt that
// timed out may still have reached the pool.
func (s *Scanner) SendTransaction(ctx context.Context, chainID int64, tx *types.Transaction) error {
	var uncertain bool
	return s.call(ctx, chainID, "send_transaction", func(ctx context.Context, b Backend) error {
		err := b.SendTransaction(ctx, tx)
		switch {
		case err == nil, isKnownTransaction(err):
			return nil
		case !uncertain && isRejection(err):
			return &permanentError{fmt.Errorf("%w: chain %d: %v", ErrTransactionRejected, chainID, err)}
		}
		uncertain = true
		return err
	})
}

// ConfirmedNonce returns the number of transactions from address included
// in the latest block.
func (s *Scanner) ConfirmedNonce(ctx context.Context, chainID int64, address common.Address) (uint64, error) {
	var nonce uint64
	err := s.call(ctx, chainID, "confirmed_nonce", func(ctx context.Context, b Backend) error {
		var err error
		nonce, err = b.NonceAt(ctx, address, nil)
		return err
	})
	return nonce, err
}

func isKnownTransaction(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

// isRejection reports whether the node answered with a JSON-RPC error that
// proves the transaction was not accepted. "nonce too low" is excluded: the
// nonce may have been consumed by this very transaction.
func isRejection(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Error())
	return !strings.Contains(msg, "nonce too low") && !strings.Contains(msg, "replacement transaction underpriced")
}

// permanentError stops call from retrying and is returned unwrapped.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// PendingNonce returns the next nonce the chain expects from address.
func (s *Scanner) PendingNonce(ctx context.Context, chainID int64, address common.Address) (uint64, error) {
	var nonce uint64
	err := s.call(ctx, chainID, "pending_nonce", func(ctx context.Context, b Backend) error {
		var err error
		nonce, err = b.PendingNonceAt(ctx, address)
		return err
	})
	return nonce, err
}

// SuggestGasPrice returns the node's gas price suggestion.
func (s *Scanner) SuggestGasPrice(ctx context.Context, chainID int64) (*big.Int, error) {
	var price *big.Int
	err := s.call(ctx, chainID, "gas_price", func(ctx context.Context, b Backend) error {
		var err error
		price, err = b.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (s *Scanner) call(ctx context.Context, chainID int64, op string, fn func(context.Context, Backend) error) error {
	b, ok := s.backends[chainID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	chainLabel := strconv.FormatInt(chainID, 10)

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = fn(callCtx, b)
		cancel()
		metrics.ChainRPCDuration.WithLabelValues(chainLabel, op).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Chain RPC call failed",
			zap.Int64("chain_id", chainID),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	metrics.ChainUnavailableTotal.WithLabelValues(chainLabel, op).Inc()
	return fmt.Errorf("%w: chain %d %s: %v", ErrChainUnavailable, chainID, op, err)
}

func tokenDecimals(c *Chain, token common.Address) (int32, bool) {
	for _, t := range c.Tokens {
		if t.Address == token {
			return t.Decimals, true
		}
	}
	return 0, false
}
