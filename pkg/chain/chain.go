// Package chain holds the static registry of supported EVM chains and the
// scanner that reads balances, transfer logs and receipts from them.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/custody-core/pkg/config"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrUnsupportedToken = errors.New("unsupported token")
	ErrChainUnavailable = errors.New("chain unavailable")
	ErrInvalidAmount    = errors.New("invalid amount")

	// ErrTransactionRejected means the node refused a transaction outright:
	// it is not in the pool and cannot be mined as submitted.
	ErrTransactionRejected = errors.New("transaction rejected")
)

// Token is an asset held on one chain. Native tokens have a zero Address.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
	Native   bool
	Dust     decimal.Decimal
	GasLimit uint64
}

// Chain is the static description of a configured chain.
type Chain struct {
	ID            int64
	Name          string
	Native        Token
	Tokens        map[string]Token
	Treasury      common.Address
	MaxGasPrice   *big.Int
	StartBlock    uint64
	ScanWindow    uint64
	Confirmations uint64
}

// Token looks up a token by symbol, including the native asset.
func (c *Chain) Token(symbol string) (Token, bool) {
	symbol = strings.ToUpper(symbol)
	if symbol == c.Native.Symbol {
		return c.Native, true
	}
	t, ok := c.Tokens[symbol]
	return t, ok
}

// Assets returns the native token followed by ERC-20 tokens ordered by symbol.
func (c *Chain) Assets() []Token {
	out := []Token{c.Native}
	symbols := make([]string, 0, len(c.Tokens))
	for s := range c.Tokens {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		out = append(out, c.Tokens[s])
	}
	return out
}

// Registry is the set of configured chains.
type Registry struct {
	chains map[int64]*Chain
	order  []int64
}

// NewRegistry builds a registry from chain configuration.
func NewRegistry(cfgs []config.ChainConfig) (*Registry, error) {
	r := &Registry{chains: make(map[int64]*Chain, len(cfgs))}
	for _, cfg := range cfgs {
		c := &Chain{
			ID:   cfg.ChainID,
			Name: cfg.Name,
			Native: Token{
				Symbol:   strings.ToUpper(cfg.NativeSymbol),
				Decimals: cfg.NativeDecimals,
				Native:   true,
				Dust:     cfg.NativeDust,
				GasLimit: cfg.NativeGasLimit,
			},
			Tokens:        make(map[string]Token, len(cfg.Tokens)),
			Treasury:      common.HexToAddress(cfg.TreasuryAddress),
			StartBlock:    cfg.StartBlock,
			ScanWindow:    cfg.ScanWindow,
			Confirmations: cfg.Confirmations,
		}
		if cfg.MaxGasPrice != "" {
			maxGas, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
			if !ok {
				return nil, fmt.Errorf("chain %d: invalid max_gas_price %q", cfg.ChainID, cfg.MaxGasPrice)
			}
			c.MaxGasPrice = maxGas
		}
		for _, t := range cfg.Tokens {
			sym := strings.ToUpper(t.Symbol)
			c.Tokens[sym] = Token{
				Symbol:   sym,
				Address:  common.HexToAddress(t.Address),
				Decimals: t.Decimals,
				Dust:     t.DustThreshold,
				GasLimit: t.GasLimit,
			}
		}
		r.chains[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// Chain returns the chain with the given id.
func (r *Registry) Chain(id int64) (*Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, id)
	}
	return c, nil
}

// Token returns the token with the given symbol on a chain.
func (r *Registry) Token(chainID int64, symbol string) (*Chain, Token, error) {
	c, err := r.Chain(chainID)
	if err != nil {
		return nil, Token{}, err
	}
	t, ok := c.Token(symbol)
	if !ok {
		return nil, Token{}, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, symbol, chainID)
	}
	return c, t, nil
}

// Chains returns the configured chains in configuration order.
func (r *Registry) Chains() []*Chain {
	out := make([]*Chain, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.chains[id])
	}
	return out
}

// Symbols returns every token symbol known on any chain, sorted.
func (r *Registry) Symbols() []string {
	set := make(map[string]struct{})
	for _, c := range r.chains {
		for _, t := range c.Assets() {
			set[t.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsTreasury reports whether addr is the treasury of the chain.
func (c *Chain) IsTreasury(addr common.Address) bool {
	return addr == c.Treasury
}

// ToDecimal scales integer base units by the token's decimal count without
// going through floating point.
func ToDecimal(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// ToBaseUnits converts an amount into integer base units. Amounts with more
// fractional digits than the token supports are rejected, never rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, amount)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ValidateAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidateAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return common.IsHexAddress(s)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
