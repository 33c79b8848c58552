package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/custody-core/pkg/app/errors"
	apphttp "github.com/chainsafe/custody-core/pkg/app/http"
	"github.com/chainsafe/custody-core/pkg/auth"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/limits"
	"github.com/chainsafe/custody-core/pkg/staking"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

const maxBodySize = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// LedgerService reads balances and moves funds between users.
type LedgerService interface {
	Balance(ctx context.Context, userID, token string) (*ledger.WalletBalance, error)
	Balances(ctx context.Context, userID string) ([]*ledger.WalletBalance, error)
	History(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (*ledger.Transaction, error)
}

// Withdrawer executes withdrawals.
type Withdrawer interface {
	Withdraw(ctx context.Context, req withdrawal.Request) (*withdrawal.Result, error)
}

// LimitChecker evaluates spend limits.
type LimitChecker interface {
	CheckLimits(ctx context.Context, userID string, amountUSD decimal.Decimal) (*limits.Decision, error)
}

// StakingService opens and closes staking positions.
type StakingService interface {
	Create(ctx context.Context, req staking.CreateRequest) (*staking.Position, error)
	Withdraw(ctx context.Context, req staking.WithdrawRequest) (*staking.WithdrawResult, error)
	List(ctx context.Context, userID string) ([]*staking.Position, error)
}

// WalletService provisions custodial deposit wallets.
type WalletService interface {
	CreateWallet(ctx context.Context, userID string, chainID int64) (*custody.Wallet, error)
}

// Services groups the handlers' collaborators.
type Services struct {
	Ledger      LedgerService
	Withdrawals Withdrawer
	Limits      LimitChecker
	Staking     StakingService
	Wallets     WalletService
}

// HTTP serves the authenticated custody API.
type HTTP struct {
	svc    Services
	logger *zap.Logger
}

// RegisterRoutes mounts the /api/v1 routes on r. Every route requires a
// bearer token accepted by tokens.
func RegisterRoutes(r chi.Router, svc Services, tokens auth.TokenValidator, logger *zap.Logger) {
	h := &HTTP{svc: svc, logger: logger}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate(tokens))
		r.Use(logRequests(logger))

		r.Get("/balances", apphttp.HandleError(h.balances))
		r.Get("/balances/{token}", apphttp.HandleError(h.balance))
		r.Get("/transactions", apphttp.HandleError(h.history))
		r.Post("/transfers", apphttp.HandleError(h.transfer))
		r.Post("/withdrawals", apphttp.HandleError(h.withdraw))
		r.Post("/limits/check", apphttp.HandleError(h.checkLimits))
		r.Get("/staking/positions", apphttp.HandleError(h.listPositions))
		r.Post("/staking/positions", apphttp.HandleError(h.createPosition))
		r.Post("/staking/positions/{id}/withdraw", apphttp.HandleError(h.withdrawPosition))
		r.Post("/wallets", apphttp.HandleError(h.createWallet))
	})
}

func authenticate(tokens auth.TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := auth.Authenticate(r, tokens)
			if err != nil {
				apphttp.DefaultErrorHandler(w, apperrors.FromDomain(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func logRequests(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			userID, _ := auth.UserIDFromContext(r.Context())
			next.ServeHTTP(w, r)
			logger.Info("API request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("user_id", userID),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type balanceResponse struct {
	Token     string    `json:"token"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toBalance(b *ledger.WalletBalance) balanceResponse {
	return balanceResponse{Token: b.Token, Balance: b.Balance.String(), Version: b.Version, UpdatedAt: b.UpdatedAt}
}

type transactionResponse struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	Purpose     string    `json:"purpose"`
	Status      string    `json:"status"`
	SenderID    string    `json:"sender_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	Fee         string    `json:"fee"`
	ChainID     int64     `json:"chain_id,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTransaction(t *ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		Type:        string(t.Type),
		Purpose:     string(t.Purpose),
		Status:      string(t.Status),
		SenderID:    t.SenderID,
		RecipientID: t.RecipientID,
		Token:       t.Token,
		Amount:      t.Amount.String(),
		Fee:         t.Fee.String(),
		ChainID:     t.ChainID,
		TxHash:      t.TxHash,
		CreatedAt:   t.CreatedAt,
	}
}

func (h *HTTP) balance(w http.ResponseWriter, r *http.Request) error {
	userID := mustUser(r)
	b, err := h.svc.Ledger.Balance(r.Context(), userID, chi.URLParam(r, "token"))
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, toBalance(b))
	return nil
}

func (h *HTTP) balances(w http.ResponseWriter, r *http.Request) error {
	bs, err := h.svc.Ledger.Balances(r.Context(), mustUser(r))
	if err != nil {
		return err
	}
	out := make([]balanceResponse, 0, len(bs))
	for _, b := range bs {
		out = append(out, toBalance(b))
	}
	apphttp.WriteJSON(w, http.StatusOK, out)
	return nil
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) error {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid limit")
		}
		limit = n
	}
	txs, err := h.svc.Ledger.History(r.Context(), mustUser(r), limit)
	if err != nil {
		return err
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransaction(t))
	}
	apphttp.WriteJSON(w, http.StatusOK, out)
	return nil
}

type transferRequest struct {
	ToUserID string `json:"to_user_id" validate:"required"`
	Token    string `json:"token" validate:"required"`
	Amount   string `json:"amount" validate:"required,numeric"`
}

func (h *HTTP) transfer(w http.ResponseWriter, r *http.Request) error {
	var req transferRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}
	tx, err := h.svc.Ledger.Transfer(r.Context(), ledger.TransferRequest{
		FromUserID: mustUser(r),
		ToUserID:   req.ToUserID,
		Token:      req.Token,
		Amount:     amount,
	})
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, toTransaction(tx))
	return nil
}

type withdrawRequest struct {
	Token     string `json:"token" validate:"required"`
	ChainID   int64  `json:"chain_id" validate:"required,gt=0"`
	ToAddress string `json:"to_address" validate:"required,eth_addr"`
	Amount    string `json:"amount" validate:"required,numeric"`
}

type withdrawResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	TxHash        string    `json:"tx_hash"`
	Status        string    `json:"status"`
	Fee           string    `json:"fee"`
	Total         string    `json:"total"`
}

func (h *HTTP) withdraw(w http.ResponseWriter, r *http.Request) error {
	var req withdrawRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}
	res, err := h.svc.Withdrawals.Withdraw(r.Context(), withdrawal.Request{
		UserID:    mustUser(r),
		Token:     req.Token,
		ChainID:   req.ChainID,
		ToAddress: req.ToAddress,
		Amount:    amount,
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Status == ledger.StatusPending {
		status = http.StatusAccepted
	}
	apphttp.WriteJSON(w, status, withdrawResponse{
		TransactionID: res.TransactionID,
		TxHash:        res.TxHash,
		Status:        string(res.Status),
		Fee:           res.Fee.String(),
		Total:         res.Total.String(),
	})
	return nil
}

type limitsRequest struct {
	AmountUSD string `json:"amount_usd" validate:"required,numeric"`
}

type limitsResponse struct {
	Allowed          bool   `json:"allowed"`
	Tier             string `json:"tier,omitempty"`
	DailyUsed        string `json:"daily_used"`
	DailyRemaining   string `json:"daily_remaining"`
	MonthlyUsed      string `json:"monthly_used"`
	MonthlyRemaining string `json:"monthly_remaining"`
	Reason           string `json:"reason,omitempty"`
}

func (h *HTTP) checkLimits(w http.ResponseWriter, r *http.Request) error {
	var req limitsRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	amount, err := parseAmount(req.AmountUSD)
	if err != nil {
		return err
	}
	d, err := h.svc.Limits.CheckLimits(r.Context(), mustUser(r), amount)
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, limitsResponse{
		Allowed:          d.Allowed,
		Tier:             d.Tier,
		DailyUsed:        d.DailyUsed.String(),
		DailyRemaining:   d.DailyRemaining.String(),
		MonthlyUsed:      d.MonthlyUsed.String(),
		MonthlyRemaining: d.MonthlyRemaining.String(),
		Reason:           d.Reason,
	})
	return nil
}

type stakeRequest struct {
	Token        string `json:"token" validate:"required"`
	Amount       string `json:"amount" validate:"required,numeric"`
	DurationDays int    `json:"duration_days" validate:"required,oneof=30 60 90 180 365"`
}

type positionResponse struct {
	ID               uuid.UUID  `json:"id"`
	Token            string     `json:"token"`
	Amount           string     `json:"amount"`
	DurationDays     int        `json:"duration_days"`
	APY              string     `json:"apy"`
	EstimatedRewards string     `json:"estimated_rewards"`
	RewardsEarned    string     `json:"rewards_earned"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	Status           string     `json:"status"`
	WithdrawnAt      *time.Time `json:"withdrawn_at,omitempty"`
}

func toPosition(p *staking.Position) positionResponse {
	return positionResponse{
		ID:               p.ID,
		Token:            p.Token,
		Amount:           p.Amount.String(),
		DurationDays:     p.DurationDays,
		APY:              p.APY.String(),
		EstimatedRewards: p.EstimatedRewards().String(),
		RewardsEarned:    p.RewardsEarned.String(),
		StartDate:        p.StartDate,
		EndDate:          p.EndDate,
		Status:           string(p.Status),
		WithdrawnAt:      p.WithdrawnAt,
	}
}

func (h *HTTP) createPosition(w http.ResponseWriter, r *http.Request) error {
	var req stakeRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}
	p, err := h.svc.Staking.Create(r.Context(), staking.CreateRequest{
		UserID:       mustUser(r),
		Token:        req.Token,
		Amount:       amount,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusCreated, toPosition(p))
	return nil
}

func (h *HTTP) listPositions(w http.ResponseWriter, r *http.Request) error {
	ps, err := h.svc.Staking.List(r.Context(), mustUser(r))
	if err != nil {
		return err
	}
	out := make([]positionResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPosition(p))
	}
	apphttp.WriteJSON(w, http.StatusOK, out)
	return nil
}

type unstakeResponse struct {
	Position  positionResponse `json:"position"`
	Principal string           `json:"principal"`
	Rewards   string           `json:"rewards"`
	Payout    string           `json:"payout"`
	Matured   bool             `json:"matured"`
}

func (h *HTTP) withdrawPosition(w http.ResponseWriter, r *http.Request) error {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return apperrors.BadRequestError(err, "invalid position id")
	}
	res, err := h.svc.Staking.Withdraw(r.Context(), staking.WithdrawRequest{UserID: mustUser(r), StakeID: id})
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, unstakeResponse{
		Position:  toPosition(res.Position),
		Principal: res.Principal.String(),
		Rewards:   res.Rewards.String(),
		Payout:    res.Payout.String(),
		Matured:   res.Matured,
	})
	return nil
}

type walletRequest struct {
	ChainID int64 `json:"chain_id" validate:"required,gt=0"`
}

type walletResponse struct {
	ChainID   int64     `json:"chain_id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *HTTP) createWallet(w http.ResponseWriter, r *http.Request) error {
	var req walletRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	wallet, err := h.svc.Wallets.CreateWallet(r.Context(), mustUser(r), req.ChainID)
	if err != nil {
		return err
	}
	apphttp.WriteJSON(w, http.StatusOK, walletResponse{
		ChainID:   wallet.ChainID,
		Address:   wallet.Address.Hex(),
		CreatedAt: wallet.CreatedAt,
	})
	return nil
}

func decode(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return apperrors.BadRequestError(err, "failed to read request")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.BadRequestError(err, "invalid JSON")
	}
	if err := validate.Struct(out); err != nil {
		return apperrors.BadRequestError(err, err.Error())
	}
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperrors.BadRequestError(err, "invalid amount")
	}
	return d, nil
}

// mustUser returns the authenticated user. Routes only run behind authenticate.
func mustUser(r *http.Request) string {
	userID, _ := auth.UserIDFromContext(r.Context())
	return userID
}
