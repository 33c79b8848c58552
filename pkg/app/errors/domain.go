package errors

import (
	"context"
	"errors"

	"github.com/chainsafe/custody-core/pkg/auth"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/kyc"
	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/limits"
	"github.com/chainsafe/custody-core/pkg/pricing"
	"github.com/chainsafe/custody-core/pkg/staking"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

// Error kinds returned to clients.
const (
	KindValidation            = "ValidationError"
	KindInsufficientFunds     = "InsufficientFunds"
	KindLimitExceeded         = "LimitExceeded"
	KindKYCRequired           = "KYCRequired"
	KindChainUnavailable      = "ChainUnavailable"
	KindChainSubmission       = "ChainSubmissionFailed"
	KindInternalInconsistency = "InternalInconsistency"
	KindNotFound              = "NotFound"
	KindConflict              = "Conflict"
	KindUnauthorized          = "Unauthorized"
)

// FromDomain converts an error returned by the custody packages into a
// ServiceError. Errors that already are ServiceErrors pass through.
func FromDomain(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	var balErr *ledger.InsufficientBalanceError
	var limitErr *limits.LimitExceededError
	switch {
	case errors.As(err, &balErr):
		return withKind(ConflictError(err, "insufficient balance"), KindInsufficientFunds, map[string]string{
			"token":     balErr.Token,
			"required":  balErr.Required.String(),
			"available": balErr.Available.String(),
			"shortfall": balErr.Shortfall().String(),
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return withKind(ConflictError(err, "insufficient balance"), KindInsufficientFunds, nil)
	case errors.As(err, &limitErr):
		d := limitErr.Decision
		return withKind(ForbiddenError(err, d.Reason), KindLimitExceeded, map[string]string{
			"tier":              d.Tier,
			"daily_remaining":   d.DailyRemaining.String(),
			"monthly_remaining": d.MonthlyRemaining.String(),
		})
	case errors.Is(err, limits.ErrLimitExceeded):
		return withKind(ForbiddenError(err, "limit exceeded"), KindLimitExceeded, nil)
	case errors.Is(err, withdrawal.ErrKYCRequired):
		return withKind(ForbiddenError(err, "kyc approval required"), KindKYCRequired, nil)
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, withdrawal.ErrInvalidAddress),
		errors.Is(err, chain.ErrUnsupportedChain),
		errors.Is(err, chain.ErrUnsupportedToken),
		errors.Is(err, chain.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownPrice):
		return withKind(BadRequestError(err, err.Error()), KindValidation, nil)
	case errors.Is(err, staking.ErrPositionNotFound),
		errors.Is(err, custody.ErrWalletNotFound),
		errors.Is(err, kyc.ErrProfileNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		return withKind(ResourceNotFoundError(err, err.Error()), KindNotFound, nil)
	case errors.Is(err, staking.ErrAlreadyWithdrawn),
		errors.Is(err, ledger.ErrBalanceConflict):
		return withKind(ConflictError(err, err.Error()), KindConflict, nil)
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return withKind(UnAuthorizedError(err, "unauthorized"), KindUnauthorized, nil)
	case errors.Is(err, chain.ErrChainUnavailable):
		return withKind(UnavailableError(err, "chain temporarily unavailable"), KindChainUnavailable, nil)
	case errors.Is(err, withdrawal.ErrChainSubmissionFailed):
		return withKind(DependencyFailureError(err, "chain submission failed"), KindChainSubmission, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutError(err, "request timed out")
	case errors.Is(err, ledger.ErrInternalInconsistency):
		return withKind(GeneralError(err), KindInternalInconsistency, nil)
	default:
		return GeneralError(err)
	}
}

func withKind(err error, kind string, detail map[string]string) error {
	svcErr := err.(*ServiceError)
	svcErr.Kind = kind
	svcErr.Detail = detail
	return svcErr
}
