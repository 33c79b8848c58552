package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrInternalInconsistency = errors.New("internal inconsistency")
	ErrBalanceConflict       = errors.New("balance changed since read")
	ErrTransactionNotFound   = errors.New("transaction not found")
)

// InsufficientBalanceError carries the numeric shortfall of a rejected debit.
type InsufficientBalanceError struct {
	Token     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s, shortfall %s",
		e.Token, e.Required, e.Available, e.Shortfall())
}

// Shortfall is the amount missing to complete the debit.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	s := e.Required.Sub(e.Available)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Validationf returns an ErrValidation wrapping a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Inconsistencyf returns an ErrInternalInconsistency wrapping a formatted message.
func Inconsistencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternalInconsistency, fmt.Sprintf(format, args...))
}
