// Package api implements app.Runner for the custody API server process.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/custody-core/pkg/app/http"
	"github.com/chainsafe/custody-core/pkg/auth"
	"github.com/chainsafe/custody-core/pkg/chain"
	"github.com/chainsafe/custody-core/pkg/config"
	"github.com/chainsafe/custody-core/pkg/custody"
	"github.com/chainsafe/custody-core/pkg/ethereum"
	"github.com/chainsafe/custody-core/pkg/keys"
	"github.com/chainsafe/custody-core/pkg/kyc"
	"github.com/chainsafe/custody-core/pkg/ledger"
	"github.com/chainsafe/custody-core/pkg/ledgerstore"
	"github.com/chainsafe/custody-core/pkg/limits"
	"github.com/chainsafe/custody-core/pkg/nonce"
	"github.com/chainsafe/custody-core/pkg/pgutil"
	"github.com/chainsafe/custody-core/pkg/pricing"
	"github.com/chainsafe/custody-core/pkg/rewards"
	"github.com/chainsafe/custody-core/pkg/staking"
	"github.com/chainsafe/custody-core/pkg/withdrawal"
)

// Server holds cfg to init the api server.
type Server struct {
	cfg *config.APIServerConfig
}

// NewServer initializes new api server.
func NewServer(cfg *config.APIServerConfig) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("api server config is nil")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging, "custody-api")
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting custody API server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("chains", len(cfg.Chains)),
	)

	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	logger.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database),
	)

	registry, err := chain.NewRegistry(cfg.Chains)
	if err != nil {
		return err
	}
	scanner, err := chain.Dial(ctx, registry, cfg.Chains, cfg.RPC, logger)
	if err != nil {
		return err
	}
	defer scanner.Close()

	treasury, err := LoadTreasuryKeys(registry, cfg.Chains)
	if err != nil {
		return err
	}

	svc, notifier, err := s.buildServices(db, registry, scanner, treasury, logger)
	if err != nil {
		return err
	}

	tokens := auth.NewJWTValidator(cfg.JWKS.URL, cfg.JWKS.Issuer)
	if !tokens.IsConfigured() {
		return fmt.Errorf("jwks url is required")
	}

	router := s.setupRouter(svc, tokens, logger)
	err = apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)

	// Let in-flight reward notifications finish before the process exits.
	notifier.Wait()
	return err
}

func (s *Server) buildServices(
	db *bun.DB,
	registry *chain.Registry,
	scanner *chain.Scanner,
	treasury map[int64]*keys.KeyPair,
	logger *zap.Logger,
) (Services, *rewards.Notifier, error) {
	cfg := s.cfg

	masterKey, err := keys.MasterKeyFromEnv(cfg.KeyManagement.MasterKeyEnv)
	if err != nil {
		return Services{}, nil, fmt.Errorf("custody master key (hint: openssl rand -base64 32): %w", err)
	}
	cipher, err := keys.NewCipher(masterKey)
	if err != nil {
		return Services{}, nil, err
	}

	ledgerStore := ledgerstore.NewStore(db)
	kycService := kyc.NewService(kyc.NewStore(db), cfg.Fees, logger)
	enforcer := limits.NewEnforcer(limits.NewStore(db), kycService, logger)
	nonces := nonce.NewManager(nonce.NewStore(db), scanner, logger)
	notifier := rewards.NewNotifier(cfg.Rewards, logger)

	executor := withdrawal.NewExecutor(withdrawal.Deps{
		Registry:   registry,
		Treasury:   treasury,
		Store:      ledgerStore,
		KYC:        kycService,
		Limits:     enforcer,
		Prices:     pricing.NewTable(cfg.Pricing),
		Chain:      scanner,
		Transactor: ethereum.NewTransactor(scanner, nonces, logger),
		Notifier:   notifier,
	}, cfg.Withdrawal, logger)
	stakingEngine := staking.NewEngine(staking.NewStore(db), ledgerStore, cfg.Staking.MinimumAmount, logger).
		WithNotifier(notifier)

	return Services{
		Ledger:      NewLedgerLog(ledger.NewService(ledgerStore, logger), logger),
		Withdrawals: executor,
		Limits:      enforcer,
		Staking:     stakingEngine,
		Wallets:     custody.NewService(custody.NewStore(db), cipher, registry, logger),
	}, notifier, nil
}

func (s *Server) setupRouter(svc Services, tokens auth.TokenValidator, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	RegisterRoutes(r, svc, tokens, logger)
	return r
}

// LoadTreasuryKeys reads the signing key of every chain that names a key
// variable and checks it controls the configured treasury address.
func LoadTreasuryKeys(registry *chain.Registry, chains []config.ChainConfig) (map[int64]*keys.KeyPair, error) {
	out := make(map[int64]*keys.KeyPair, len(chains))
	for _, cc := range chains {
		if cc.TreasuryKeyEnv == "" {
			continue
		}
		kp, err := keys.KeyPairFromEnv(cc.TreasuryKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("chain %d treasury key: %w", cc.ChainID, err)
		}
		c, err := registry.Chain(cc.ChainID)
		if err != nil {
			return nil, err
		}
		if kp.Address != c.Treasury {
			return nil, fmt.Errorf("chain %d treasury key controls %s, expected %s",
				cc.ChainID, kp.Address.Hex(), c.Treasury.Hex())
		}
		out[cc.ChainID] = kp
	}
	return out, nil
}
