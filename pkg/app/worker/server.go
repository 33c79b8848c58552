// Package worker implements app.Runner for the background worker process:
// chain scanning, treasury sweeps, settlement and reconciliation.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/custody-core/pkg/app/http"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ethereum"
	"github.com/chainsafe/custody-core/pkg/keys"
	"github.com/chainsafe/custody-core/pkg/ledgerstore"
	"github.com/chainsafe/custody-core/pkg/nonce"
	"github.com/chainsafe/custody-core/pkg/pgutil"
	"github.com/chainsafe/custody-core/pkg/reconciler"
	"github.com/chainsafe/custody-core/pkg/recorder"
	"github.com/chainsafe/custody-core/pkg/rewards"
	"github.com/chainsafe/custody-core/pkg/sweeper"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

// Server holds configuration for the worker process.
type Server struct {
	cfg *config.WorkerConfig
}

// NewServer initializes a new worker Server.
func NewServer(cfg *config.WorkerConfig) *Server {
	return &Server{cfg: cfg}
}

// Run starts the scheduled jobs and the operational HTTP server. It blocks
// until an OS shutdown signal is received or the server fails.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging, "custody-worker")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting custody worker", zap.Int("chains", len(cfg.Chains)))

	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	logger.Info("Database connection established")

	registry, err := chain.NewRegistry(cfg.Chains)
	if err != nil {
		return err
	}
	scanner, err := chain.Dial(ctx, registry, cfg.Chains, cfg.RPC, logger)
	if err != nil {
		return err
	}
	defer scanner.Close()

	masterKey, err := keys.MasterKeyFromEnv(cfg.KeyManagement.MasterKeyEnv)
	if err != nil {
		return fmt.Errorf("custody master key: %w", err)
	}
	cipher, err := keys.NewCipher(masterKey)
	if err != nil {
		return err
	}

	ledgerStore := ledgerstore.NewStore(db)
	wallets := custody.NewService(custody.NewStore(db), cipher, registry, logger)
	nonces := nonce.NewManager(nonce.NewStore(db), scanner, logger)
	notifier := rewards.NewNotifier(cfg.Rewards, logger)
	defer notifier.Wait()

	rec := reconciler.New(registry, scanner, wallets, ledgerStore, cfg.Reconciliation.RunTimeout, logger)
	j := &jobs{
		scanner: recorder.NewScanner(
			recorder.New(ledgerStore, registry, logger),
			scanner, wallets, recorder.NewCursorStore(db), logger),
		sweeper: sweeper.New(registry, scanner, wallets,
			ethereum.NewTransactor(scanner, nonces, logger), ledgerStore, logger),
		withdrawals: withdrawal.NewExecutor(withdrawal.Deps{
			Registry: registry,
			Store:    ledgerStore,
			Chain:    scanner,
			Notifier: notifier,
		}, config.WithdrawalConfig{}, logger),
		reconciler: rec,
		logger:     logger,
	}

	sched := NewScheduler(logger)
	if err := registerJobs(sched, j, cfg); err != nil {
		return err
	}

	s.runInitialReconcile(sched, j, logger)

	sched.Start()
	// Stop before the deferred DB and chain closes run.
	defer sched.Stop()

	return apphttp.ServeAndWait(ctx, newRouter(cfg.Server), logger, &cfg.Server)
}

func registerJobs(sched *Scheduler, j *jobs, cfg *config.WorkerConfig) error {
	for _, job := range []Job{
		{Name: JobScan, Spec: cfg.Schedule.Scan, Run: j.scan},
		{Name: JobSweep, Spec: cfg.Schedule.Sweep, Run: j.sweep},
		{Name: JobSweepSettle, Spec: cfg.Schedule.Settle, Run: j.settleSweeps},
		{Name: JobWithdrawalSettle, Spec: cfg.Schedule.Settle, Run: j.settleWithdrawals},
		// Reconciler.Run applies its own run timeout.
		{Name: JobReconcile, Spec: cfg.Schedule.Reconcile, Run: j.reconcile, Timeout: cfg.Reconciliation.RunTimeout + time.Minute},
	} {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runInitialReconcile(sched *Scheduler, j *jobs, logger *zap.Logger) {
	timeout := s.cfg.Reconciliation.InitialTimeout
	if timeout <= 0 {
		return
	}
	logger.Info("Running initial balance reconciliation", zap.Duration("timeout", timeout))

	if err := sched.RunNow(Job{Name: JobReconcile, Timeout: timeout, Run: j.reconcile}); err != nil {
		logger.Warn("Initial reconciliation failed (will retry on schedule)", zap.Error(err))
		return
	}
	logger.Info("Initial balance reconciliation completed")
}

func newRouter(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
