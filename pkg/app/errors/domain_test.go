package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/limits"
	"github.com/chainsafe/custody-core/pkg/staking"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

func asService(t *testing.T, err error) *ServiceError {
	t.Helper()
	var svcErr *ServiceError
	require.True(t, errors.As(FromDomain(err), &svcErr))
	return svcErr
}

func TestFromDomain_Taxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   string
		status int
	}{
		{"validation", ledger.Validationf("amount must be positive"), KindValidation, http.StatusBadRequest},
		{"address", withdrawal.ErrInvalidAddress, KindValidation, http.StatusBadRequest},
		{"unsupported token", fmt.Errorf("lookup: %w", chain.ErrUnsupportedToken), KindValidation, http.StatusBadRequest},
		{"kyc", withdrawal.ErrKYCRequired, KindKYCRequired, http.StatusForbidden},
		{"limit", limits.ErrLimitExceeded, KindLimitExceeded, http.StatusForbidden},
		{"chain", fmt.Errorf("%w: chain 1 receipt", chain.ErrChainUnavailable), KindChainUnavailable, http.StatusServiceUnavailable},
		{"submission", fmt.Errorf("%w: nonce too low", withdrawal.ErrChainSubmissionFailed), KindChainSubmission, http.StatusBadGateway},
		{"not found", staking.ErrPositionNotFound, KindNotFound, http.StatusNotFound},
		{"withdrawn", staking.ErrAlreadyWithdrawn, KindConflict, http.StatusConflict},
		{"inconsistency", ledger.Inconsistencyf("negative balance"), KindInternalInconsistency, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svcErr := asService(t, tc.err)
			require.Equal(t, tc.kind, svcErr.Kind)
			require.Equal(t, tc.status, svcErr.StatusCode())
			require.ErrorIs(t, svcErr, tc.err)
		})
	}
}

func TestFromDomain_InsufficientBalanceDetail(t *testing.T) {
	err := fmt.Errorf("reserve: %w", &ledger.InsufficientBalanceError{
		Token:     "USDC",
		Required:  decimal.RequireFromString("80.5"),
		Available: decimal.RequireFromString("19.5"),
	})
	svcErr := asService(t, err)
	require.Equal(t, KindInsufficientFunds, svcErr.Kind)
	require.Equal(t, http.StatusConflict, svcErr.StatusCode())
	require.Equal(t, "61", svcErr.Detail["shortfall"])
}

func TestFromDomain_LimitDetail(t *testing.T) {
	svcErr := asService(t, &limits.LimitExceededError{Decision: &limits.Decision{
		Tier:             "basic",
		Reason:           limits.ReasonDaily,
		DailyRemaining:   decimal.RequireFromString("50"),
		MonthlyRemaining: decimal.RequireFromString("950"),
	}})
	require.Equal(t, limits.ReasonDaily, svcErr.Message)
	require.Equal(t, "50", svcErr.Detail["daily_remaining"])
	require.Equal(t, "950", svcErr.Detail["monthly_remaining"])
}

func TestFromDomain_PassThroughAndUnknown(t *testing.T) {
	orig := BadRequestError(nil, "invalid JSON")
	require.Same(t, orig, FromDomain(orig))
	require.Nil(t, FromDomain(nil))

	svcErr := asService(t, errors.New("boom"))
	require.Equal(t, CategoryGeneralError, svcErr.Category)
	require.Equal(t, "Internal Server Error", svcErr.Message)
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(FromDomain(chain.ErrChainUnavailable)))
	require.True(t, Retryable(FromDomain(fmt.Errorf("rpc: %w", context.DeadlineExceeded))))
	require.False(t, Retryable(FromDomain(withdrawal.ErrChainSubmissionFailed)))
	require.False(t, Retryable(errors.New("plain")))
}
