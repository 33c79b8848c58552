package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/ledger"
)

const ledgerServiceName = "LedgerService"

// logLedger wraps LedgerService with call logging.
type logLedger struct {
	svc    LedgerService
	logger *zap.Logger
}

// NewLedgerLog creates a logging decorator for LedgerService. Reads are
// logged at debug, transfers at info, failures at warn.
func NewLedgerLog(svc LedgerService, logger *zap.Logger) LedgerService {
	return &logLedger{svc: svc, logger: logger.With(zap.String("service", ledgerServiceName))}
}

func (l *logLedger) Balance(ctx context.Context, userID, token string) (bal *ledger.WalletBalance, err error) {
	defer l.done("Balance", time.Now(), &err, zap.String("user_id", userID), zap.String("token", token))
	return l.svc.Balance(ctx, userID, token)
}

func (l *logLedger) Balances(ctx context.Context, userID string) (bals []*ledger.WalletBalance, err error) {
	defer l.done("Balances", time.Now(), &err, zap.String("user_id", userID))
	return l.svc.Balances(ctx, userID)
}

func (l *logLedger) History(ctx context.Context, userID string, limit int) (txs []*ledger.Transaction, err error) {
	defer l.done("History", time.Now(), &err, zap.String("user_id", userID), zap.Int("limit", limit))
	return l.svc.History(ctx, userID, limit)
}

func (l *logLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (tx *ledger.Transaction, err error) {
	start := time.Now()
	fields := []zap.Field{
		zap.String("from", req.FromUserID),
		zap.String("to", req.ToUserID),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()),
	}
	defer func() {
		if err != nil {
			l.done("Transfer", start, &err, fields...)
			return
		}
		l.logger.Info("Transfer completed",
			append(fields, zap.String("transaction_id", tx.ID.String()), zap.Duration("duration", time.Since(start)))...)
	}()
	return l.svc.Transfer(ctx, req)
}

func (l *logLedger) done(method string, start time.Time, err *error, fields ...zap.Field) {
	fields = append(fields, zap.String("method", method), zap.Duration("duration", time.Since(start)))
	if *err != nil {
		l.logger.Warn(method+" failed", append(fields, zap.Error(*err))...)
		return
	}
	l.logger.Debug(method+" completed", fields...)
}
