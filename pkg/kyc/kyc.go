// Package kyc reads the verification tier, approval status and withdrawal
// fees that the KYC and admin collaborators own. Nothing here decides KYC.
package kyc

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/ledger"
)

var (
	ErrProfileNotFound = errors.New("kyc profile not found")
	ErrTierNotFound    = errors.New("kyc tier not found")
)

// Status is the review state of a KYC profile.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Tier bounds how much value a user may move.
type Tier struct {
	Name                      string
	DailyLimitUSD             decimal.Decimal
	MonthlyLimitUSD           decimal.Decimal
	SingleTransactionLimitUSD decimal.Decimal
}

// Profile is a user's KYC record.
type Profile struct {
	UserID string
	Tier   string
	Status Status
}

// Store reads KYC reference data and admin settings.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetTier(ctx context.Context, name string) (*Tier, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Service answers tier, approval and fee questions for the core flows.
type Service struct {
	store  Store
	fees   config.FeeConfig
	logger *zap.Logger
}

// NewService creates a new KYC reader
func NewService(store Store, fees config.FeeConfig, logger *zap.Logger) *Service {
	return &Service{store: store, fees: fees, logger: logger}
}

// Tier returns the tier limits of a user.
func (s *Service) Tier(ctx context.Context, userID string) (*Tier, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.GetTier(ctx, p.Tier)
}

// IsApproved reports whether the user's KYC profile is approved. A missing
// profile is not approved.
func (s *Service) IsApproved(ctx context.Context, userID string) (bool, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == StatusApproved, nil
}

// WithdrawalFee returns the flat withdrawal fee of token. The admin setting
// withdrawal_fee.<TOKEN> wins over the configured default; no fee at all is zero.
func (s *Service) WithdrawalFee(ctx context.Context, token string) (decimal.Decimal, error) {
	token = ledger.NormalizeToken(token)
	raw, ok, err := s.store.GetSetting(ctx, FeeSettingKey(token))
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		fee, err := decimal.NewFromString(raw)
		if err != nil || fee.IsNegative() {
			return decimal.Zero, fmt.Errorf("invalid %s setting %q", FeeSettingKey(token), raw)
		}
		return fee, nil
	}
	for sym, fee := range s.fees.DefaultWithdrawal {
		if ledger.NormalizeToken(sym) == token {
			return fee, nil
		}
	}
	return decimal.Zero, nil
}

// FeeSettingKey is the admin_settings key holding the withdrawal fee of token.
func FeeSettingKey(token string) string {
	return "withdrawal_fee." + ledger.NormalizeToken(token)
}
