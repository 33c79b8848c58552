// Package limits enforces tiered USD spend limits. Usage is one row per user
// per UTC day; monthly usage is the sum of the month's rows.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/kyc"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

// ErrLimitExceeded is returned when a transaction would exceed a limit.
var ErrLimitExceeded = errors.New("limit exceeded")

const (
	ReasonSingle      = "single transaction limit exceeded"
	ReasonDaily       = "daily limit exceeded"
	ReasonMonthly     = "monthly limit exceeded"
	ReasonTierUnknown = "kyc tier unavailable"
)

// Decision is the outcome of a limit check. Used and remaining values are
// measured before the checked amount is applied.
type Decision struct {
	Allowed          bool
	Tier             string
	DailyUsed        decimal.Decimal
	DailyRemaining   decimal.Decimal
	MonthlyUsed      decimal.Decimal
	MonthlyRemaining decimal.Decimal
	Reason           string
}

// LimitExceededError carries the denied decision.
type LimitExceededError struct {
	Decision *Decision
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: %s (daily remaining %s, monthly remaining %s)",
		ErrLimitExceeded, e.Decision.Reason, e.Decision.DailyRemaining, e.Decision.MonthlyRemaining)
}

func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// TierSource resolves a user's KYC tier.
type TierSource interface {
	Tier(ctx context.Context, userID string) (*kyc.Tier, error)
}

// Usage is the accumulated spend of a user.
type Usage struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// Store persists limit usage.
type Store interface {
	Usage(ctx context.Context, userID string, day time.Time) (*Usage, error)
	RecordUsage(ctx context.Context, userID string, day time.Time, amountUSD decimal.Decimal, at time.Time) error
	ReserveUsage(ctx context.Context, userID string, day time.Time, amountUSD, dailyLimit, monthlyLimit decimal.Decimal, at time.Time) (bool, error)
}

// Enforcer checks and accounts spend against tier limits.
type Enforcer struct {
	store  Store
	tiers  TierSource
	now    func() time.Time
	logger *zap.Logger
}

// NewEnforcer creates a new limit enforcer
func NewEnforcer(store Store, tiers TierSource, logger *zap.Logger) *Enforcer {
	return &Enforcer{store: store, tiers: tiers, now: time.Now, logger: logger}
}

// CheckLimits evaluates amountUSD against the single, daily and monthly
// limits in that order. A tier that cannot be resolved denies.
func (e *Enforcer) CheckLimits(ctx context.Context, userID string, amountUSD decimal.Decimal) (*Decision, error) {
	if !amountUSD.IsPositive() {
		return nil, ledger.Validationf("amount must be positive, got %s", amountUSD)
	}

	tier, err := e.tiers.Tier(ctx, userID)
	if err != nil {
		e.logger.Warn("Tier lookup failed, denying",
			zap.String("user_id", userID),
			zap.Error(err))
		d := &Decision{Reason: ReasonTierUnknown}
		metrics.LimitDecisions.WithLabelValues("tier_unavailable").Inc()
		return d, nil
	}

	usage, err := e.store.Usage(ctx, userID, Day(e.now()))
	if err != nil {
		return nil, err
	}

	d := evaluate(tier, usage, amountUSD)
	if d.Allowed {
		metrics.LimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.LimitDecisions.WithLabelValues("denied").Inc()
	}
	return d, nil
}

// RecordUsage adds amountUSD to today's usage unconditionally.
func (e *Enforcer) RecordUsage(ctx context.Context, userID string, amountUSD decimal.Decimal) error {
	if !amountUSD.IsPositive() {
		return ledger.Validationf("amount must be positive, got %s", amountUSD)
	}
	now := e.now()
	return e.store.RecordUsage(ctx, userID, Day(now), amountUSD, now.UTC())
}

// ReserveUsage adds amountUSD to today's usage only if the result stays
// within the daily and monthly limits. The check and the increment are one
// statement, so concurrent reservations can never jointly overshoot.
func (e *Enforcer) ReserveUsage(ctx context.Context, userID string, amountUSD decimal.Decimal) error {
	if !amountUSD.IsPositive() {
		return ledger.Validationf("amount must be positive, got %s", amountUSD)
	}

	tier, err := e.tiers.Tier(ctx, userID)
	if err != nil {
		e.logger.Warn("Tier lookup failed, denying reservation",
			zap.String("user_id", userID),
			zap.Error(err))
		return &LimitExceededError{Decision: &Decision{Reason: ReasonTierUnknown}}
	}
	if amountUSD.GreaterThan(tier.SingleTransactionLimitUSD) {
		return e.denied(ctx, userID, tier, amountUSD)
	}

	now := e.now()
	ok, err := e.store.ReserveUsage(ctx, userID, Day(now), amountUSD,
		tier.DailyLimitUSD, tier.MonthlyLimitUSD, now.UTC())
	if err != nil {
		return err
	}
	if !ok {
		return e.denied(ctx, userID, tier, amountUSD)
	}
	return nil
}

func (e *Enforcer) denied(ctx context.Context, userID string, tier *kyc.Tier, amountUSD decimal.Decimal) error {
	d := &Decision{Tier: tier.Name, Reason: ReasonDaily}
	if usage, err := e.store.Usage(ctx, userID, Day(e.now())); err == nil {
		d = evaluate(tier, usage, amountUSD)
		d.Allowed = false
		if d.Reason == "" {
			d.Reason = ReasonDaily
		}
	}
	metrics.LimitDecisions.WithLabelValues("denied").Inc()
	return &LimitExceededError{Decision: d}
}

func evaluate(tier *kyc.Tier, usage *Usage, amountUSD decimal.Decimal) *Decision {
	d := &Decision{
		Tier:             tier.Name,
		DailyUsed:        usage.Daily,
		DailyRemaining:   remaining(tier.DailyLimitUSD, usage.Daily),
		MonthlyUsed:      usage.Monthly,
		MonthlyRemaining: remaining(tier.MonthlyLimitUSD, usage.Monthly),
	}
	switch {
	case amountUSD.GreaterThan(tier.SingleTransactionLimitUSD):
		d.Reason = ReasonSingle
	case usage.Daily.Add(amountUSD).GreaterThan(tier.DailyLimitUSD):
		d.Reason = ReasonDaily
	case usage.Monthly.Add(amountUSD).GreaterThan(tier.MonthlyLimitUSD):
		d.Reason = ReasonMonthly
	default:
		d.Allowed = true
	}
	return d
}

func remaining(limit, used decimal.Decimal) decimal.Decimal {
	r := limit.Sub(used)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of day's month.
func MonthStart(day time.Time) time.Time {
	y, m, _ := day.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
