// Package staking manages fixed-term staking positions. Principal is locked
// by debiting the user's ledger balance and released with accrued rewards.
package staking

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPositionNotFound = errors.New("staking position not found")
	ErrAlreadyWithdrawn = errors.New("staking position already withdrawn")
)

// Status of a staking position.
type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
)

const (
	day             = 24 * time.Hour
	daysPerYear     = 365
	earlyPenaltyPct = 50
)

var (
	hundred      = decimal.NewFromInt(100)
	yearDays     = decimal.NewFromInt(daysPerYear)
	dayNanos     = decimal.NewFromInt(int64(day))
	earlyPenalty = decimal.NewFromInt(earlyPenaltyPct).Div(hundred)
)

// apyByDuration maps the supported tenors in days to their annual percentage yield.
var apyByDuration = map[int]decimal.Decimal{
	30:  decimal.RequireFromString("5.0"),
	60:  decimal.RequireFromString("6.5"),
	90:  decimal.RequireFromString("8.0"),
	180: decimal.RequireFromString("10.0"),
	365: decimal.RequireFromString("12.0"),
}

// APY returns the annual percentage yield of a tenor.
func APY(durationDays int) (decimal.Decimal, bool) {
	apy, ok := apyByDuration[durationDays]
	return apy, ok
}

// Position is a staking position.
type Position struct {
	ID            uuid.UUID
	UserID        string
	Token         string
	Amount        decimal.Decimal
	DurationDays  int
	APY           decimal.Decimal
	RewardsEarned decimal.Decimal
	StartDate     time.Time
	EndDate       time.Time
	Status        Status
	WithdrawnAt   *time.Time
}

// Matured reports whether the position has reached its end date.
func (p *Position) Matured(now time.Time) bool {
	return !now.Before(p.EndDate)
}

// EstimatedRewards is the reward earned by holding the position to maturity.
func (p *Position) EstimatedRewards() decimal.Decimal {
	return accrue(p.Amount, p.APY, decimal.NewFromInt(int64(p.DurationDays)))
}

// Rewards returns the reward payable at now. Elapsed time is capped at the
// tenor, and early withdrawals forfeit half of what accrued.
func (p *Position) Rewards(now time.Time) decimal.Decimal {
	elapsed := now.Sub(p.StartDate)
	if elapsed < 0 {
		elapsed = 0
	}
	if tenor := time.Duration(p.DurationDays) * day; elapsed > tenor {
		elapsed = tenor
	}
	days := decimal.NewFromInt(int64(elapsed)).Div(dayNanos)
	rewards := accrue(p.Amount, p.APY, days)
	if !p.Matured(now) {
		rewards = rewards.Mul(earlyPenalty)
	}
	return rewards
}

func accrue(amount, apy, days decimal.Decimal) decimal.Decimal {
	return amount.Mul(apy).Div(hundred).Mul(days).Div(yearDays)
}

// CreateRequest opens a new position.
type CreateRequest struct {
	UserID       string
	Token        string
	Amount       decimal.Decimal
	DurationDays int
}

// WithdrawRequest closes an active position.
type WithdrawRequest struct {
	UserID  string
	StakeID uuid.UUID
}

// WithdrawResult describes a closed position and what was paid out.
type WithdrawResult struct {
	Position  *Position
	Principal decimal.Decimal
	Rewards   decimal.Decimal
	Payout    decimal.Decimal
	Matured   bool
}
