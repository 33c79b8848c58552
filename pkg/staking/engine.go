package staking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/internal/metrics"
	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/rewards"
)

// Store persists staking positions.
type Store interface {
	Insert(ctx context.Context, p *Position) error
	Get(ctx context.Context, id uuid.UUID) (*Position, error)
	ListByUser(ctx context.Context, userID string) ([]*Position, error)
	MarkWithdrawn(ctx context.Context, id uuid.UUID, rewards decimal.Decimal, at time.Time) (bool, error)
	RevertWithdrawn(ctx context.Context, id uuid.UUID) (bool, error)
}

// Ledger moves staked principal in and out of the user's balance.
type Ledger interface {
	Debit(ctx context.Context, userID, token string, amount decimal.Decimal, entry *ledger.Transaction) error
	Credit(ctx context.Context, userID, token string, amount decimal.Decimal, entry *ledger.Transaction) error
}

// Notifier receives stake lifecycle events.
type Notifier interface {
	Notify(ev rewards.Event)
}

// Engine creates and closes staking positions.
type Engine struct {
	store    Store
	ledger   Ledger
	minimum  decimal.Decimal
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine creates a new staking engine. Stakes below minimum are rejected.
func NewEngine(store Store, l Ledger, minimum decimal.Decimal, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		ledger:  l,
		minimum: minimum,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// WithNotifier reports created and withdrawn positions to n.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) notify(typ rewards.EventType, p *Position, amount decimal.Decimal) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(rewards.Event{
		Type:      typ,
		UserID:    p.UserID,
		Token:     p.Token,
		Amount:    amount,
		Reference: p.ID.String(),
	})
}

// Create locks the stake by debiting the user's balance, then stores the
// position. A failed insert is compensated by crediting the stake back.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Position, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	apy, _ := APY(req.DurationDays)
	start := e.now()
	p := &Position{
		ID:            uuid.New(),
		UserID:        req.UserID,
		Token:         ledger.NormalizeToken(req.Token),
		Amount:        req.Amount,
		DurationDays:  req.DurationDays,
		APY:           apy,
		RewardsEarned: decimal.Zero,
		StartDate:     start,
		EndDate:       start.Add(time.Duration(req.DurationDays) * day),
		Status:        StatusActive,
	}

	lock := ledger.NewInternal(p.UserID, "", p.Token, p.Amount, ledger.PurposeStakeLock, p.ID.String())
	if err := e.ledger.Debit(ctx, p.UserID, p.Token, p.Amount, lock); err != nil {
		metrics.StakingOperations.WithLabelValues("create", "rejected").Inc()
		return nil, err
	}

	if err := e.store.Insert(ctx, p); err != nil {
		return nil, e.compensate(ctx, p, err)
	}

	metrics.StakingOperations.WithLabelValues("create", "ok").Inc()
	e.logger.Info("Staking position created",
		zap.String("position_id", p.ID.String()),
		zap.String("user_id", p.UserID),
		zap.String("token", p.Token),
		zap.String("amount", p.Amount.String()),
		zap.Int("duration_days", p.DurationDays))
	e.notify(rewards.EventStakeCreated, p, p.Amount)
	return p, nil
}

func (e *Engine) compensate(ctx context.Context, p *Position, insertErr error) error {
	refund := ledger.NewInternal("", p.UserID, p.Token, p.Amount, ledger.PurposeCompensation, p.ID.String())
	if err := e.ledger.Credit(ctx, p.UserID, p.Token, p.Amount, refund); err != nil {
		metrics.StakingOperations.WithLabelValues("create", "inconsistent").Inc()
		metrics.InconsistenciesTotal.WithLabelValues("staking").Inc()
		e.logger.Error("Failed to compensate stake lock",
			zap.String("position_id", p.ID.String()),
			zap.String("user_id", p.UserID),
			zap.String("token", p.Token),
			zap.String("amount", p.Amount.String()),
			zap.NamedError("insert_error", insertErr),
			zap.Error(err))
		return ledger.Inconsistencyf("stake %s debited but neither stored nor refunded: %v", p.ID, err)
	}
	metrics.StakingOperations.WithLabelValues("create", "compensated").Inc()
	e.logger.Warn("Staking position insert failed, stake refunded",
		zap.String("position_id", p.ID.String()),
		zap.String("user_id", p.UserID),
		zap.Error(insertErr))
	return fmt.Errorf("failed to create staking position: %w", insertErr)
}

func (e *Engine) validate(req CreateRequest) error {
	if req.UserID == "" {
		return ledger.Validationf("user id is required")
	}
	if req.Token == "" {
		return ledger.Validationf("token is required")
	}
	if !req.Amount.IsPositive() {
		return ledger.Validationf("stake amount must be positive")
	}
	if req.Amount.LessThan(e.minimum) {
		return ledger.Validationf("stake amount %s is below the minimum %s", req.Amount, e.minimum)
	}
	if _, ok := APY(req.DurationDays); !ok {
		return ledger.Validationf("unsupported staking duration %d days", req.DurationDays)
	}
	return nil
}

// Withdraw closes the position and credits principal plus rewards. Only one
// of any number of concurrent withdrawals of the same position succeeds.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	p, err := e.Get(ctx, req.UserID, req.StakeID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, ErrAlreadyWithdrawn
	}

	now := e.now()
	earned := p.Rewards(now)
	res := &WithdrawResult{
		Principal: p.Amount,
		Rewards:   earned,
		Payout:    p.Amount.Add(earned),
		Matured:   p.Matured(now),
	}

	flipped, err := e.store.MarkWithdrawn(ctx, p.ID, earned, now)
	if err != nil {
		return nil, err
	}
	if !flipped {
		metrics.StakingOperations.WithLabelValues("withdraw", "already_withdrawn").Inc()
		return nil, ErrAlreadyWithdrawn
	}

	release := ledger.NewInternal("", p.UserID, p.Token, res.Payout, ledger.PurposeStakeRelease, p.ID.String())
	if err := e.ledger.Credit(ctx, p.UserID, p.Token, res.Payout, release); err != nil {
		return nil, e.revert(ctx, p, err)
	}

	p.Status = StatusWithdrawn
	p.RewardsEarned = earned
	p.WithdrawnAt = &now
	res.Position = p

	metrics.StakingOperations.WithLabelValues("withdraw", "ok").Inc()
	e.logger.Info("Staking position withdrawn",
		zap.String("position_id", p.ID.String()),
		zap.String("user_id", p.UserID),
		zap.String("principal", p.Amount.String()),
		zap.String("rewards", earned.String()),
		zap.Bool("matured", res.Matured))
	e.notify(rewards.EventStakeWithdrawn, p, res.Payout)
	return res, nil
}

func (e *Engine) revert(ctx context.Context, p *Position, creditErr error) error {
	reverted, err := e.store.RevertWithdrawn(ctx, p.ID)
	if err == nil && reverted {
		metrics.StakingOperations.WithLabelValues("withdraw", "reverted").Inc()
		return fmt.Errorf("failed to release stake: %w", creditErr)
	}
	if err == nil {
		err = errors.New("position was not in withdrawn state")
	}
	metrics.StakingOperations.WithLabelValues("withdraw", "inconsistent").Inc()
	metrics.InconsistenciesTotal.WithLabelValues("staking").Inc()
	e.logger.Error("Failed to revert withdrawn position after credit failure",
		zap.String("position_id", p.ID.String()),
		zap.String("user_id", p.UserID),
		zap.NamedError("credit_error", creditErr),
		zap.Error(err))
	return ledger.Inconsistencyf("position %s marked withdrawn without payout: %v", p.ID, err)
}

// Get returns one of the user's positions. Positions of other users are not found.
func (e *Engine) Get(ctx context.Context, userID string, id uuid.UUID) (*Position, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPositionNotFound
	}
	return p, nil
}

// List returns the user's positions.
func (e *Engine) List(ctx context.Context, userID string) ([]*Position, error) {
	return e.store.ListByUser(ctx, userID)
}
