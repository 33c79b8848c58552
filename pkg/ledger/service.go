package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxHistory = 200

// Store is the narrow data-access interface of the ledger service.
type Store interface {
	GetBalance(ctx context.Context, userID, token string, chainID int64) (*WalletBalance, error)
	ListBalances(ctx context.Context, userID string) ([]*WalletBalance, error)
	Transfer(ctx context.Context, fromUserID, toUserID, token string, amount decimal.Decimal, entry *Transaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// TransferRequest moves funds between two users without touching any chain.
type TransferRequest struct {
	FromUserID string
	ToUserID   string
	Token      string
	Amount     decimal.Decimal
}

// Service exposes balance reads and internal transfers.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a new ledger service
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Balance returns the aggregate balance of one token.
func (s *Service) Balance(ctx context.Context, userID, token string) (*WalletBalance, error) {
	if token == "" {
		return nil, Validationf("token is required")
	}
	return s.store.GetBalance(ctx, userID, NormalizeToken(token), AggregateChain)
}

// Balances returns every aggregate balance of a user.
func (s *Service) Balances(ctx context.Context, userID string) ([]*WalletBalance, error) {
	return s.store.ListBalances(ctx, userID)
}

// History returns the user's most recent ledger entries.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// Transfer debits the sender and credits the recipient in one atomic step.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	if req.FromUserID == "" || req.ToUserID == "" {
		return nil, Validationf("sender and recipient are required")
	}
	if req.FromUserID == req.ToUserID {
		return nil, Validationf("cannot transfer to self")
	}
	if !req.Amount.IsPositive() {
		return nil, Validationf("amount must be positive")
	}
	if req.Token == "" {
		return nil, Validationf("token is required")
	}

	entry := NewInternal(req.FromUserID, req.ToUserID, req.Token, req.Amount, PurposeP2PTransfer, "")
	if err := s.store.Transfer(ctx, req.FromUserID, req.ToUserID, entry.Token, req.Amount, entry); err != nil {
		return nil, fmt.Errorf("transfer %s %s: %w", req.Amount, entry.Token, err)
	}

	s.logger.Info("Internal transfer completed",
		zap.String("transaction_id", entry.ID.String()),
		zap.String("from_user", req.FromUserID),
		zap.String("to_user", req.ToUserID),
		zap.String("token", entry.Token),
		zap.String("amount", req.Amount.String()))

	return entry, nil
}
