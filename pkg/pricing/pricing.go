// Package pricing converts token amounts to USD for limit accounting.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

// ErrUnknownPrice is returned for tokens without a configured price.
var ErrUnknownPrice = errors.New("no USD price for token")

// Table is a static USD price table.
type Table struct {
	usd map[string]decimal.Decimal
}

// NewTable builds a price table from configuration.
func NewTable(cfg config.PricingConfig) *Table {
	usd := make(map[string]decimal.Decimal, len(cfg.USD))
	for sym, price := range cfg.USD {
		usd[ledger.NormalizeToken(sym)] = price
	}
	return &Table{usd: usd}
}

// ToUSD converts amount of token to USD. Unknown tokens are an error so
// limit checks fail closed.
func (t *Table) ToUSD(token string, amount decimal.Decimal) (decimal.Decimal, error) {
	price, ok := t.usd[ledger.NormalizeToken(token)]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownPrice, token)
	}
	return amount.Mul(price), nil
}
