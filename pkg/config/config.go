package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" default:"60s"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost" validate:"required"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" default:"custody" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" default:"disable" validate:"oneof=disable require verify-full"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// TokenConfig describes an ERC-20 contract deployed on a chain.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" validate:"required"`
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Decimals int32  `yaml:"decimals" default:"18" validate:"gte=0,lte=36"`
	// DustThreshold is the smallest balance the sweeper moves to treasury.
	DustThreshold decimal.Decimal `yaml:"dust_threshold"`
	GasLimit      uint64          `yaml:"gas_limit" default:"100000"`
}

// ChainConfig contains the static settings of one EVM chain
type ChainConfig struct {
	ChainID        int64           `yaml:"chain_id" validate:"required,gt=0"`
	Name           string          `yaml:"name" validate:"required"`
	RPCURL         string          `yaml:"rpc_url" validate:"required,url"`
	NativeSymbol   string          `yaml:"native_symbol" validate:"required"`
	NativeDecimals int32           `yaml:"native_decimals" default:"18"`
	NativeDust     decimal.Decimal `yaml:"native_dust_threshold"`
	NativeGasLimit uint64          `yaml:"native_gas_limit" default:"21000"`
	Tokens         []TokenConfig   `yaml:"tokens" validate:"dive"`
	// TreasuryAddress receives swept deposits and signs withdrawals.
	TreasuryAddress string `yaml:"treasury_address" validate:"required,eth_addr"`
	// TreasuryKeyEnv names the environment variable holding the hex treasury key.
	TreasuryKeyEnv string `yaml:"treasury_key_env"`
	MaxGasPrice    string `yaml:"max_gas_price"`
	StartBlock     uint64 `yaml:"start_block"`
	// ScanWindow bounds a single eth_getLogs range.
	ScanWindow uint64 `yaml:"scan_window" default:"2000"`
	// Confirmations is how far behind head the scanner stays.
	Confirmations uint64 `yaml:"confirmations" default:"3"`
}

// RPCConfig bounds every chain call.
type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"12s"`
	Retries int           `yaml:"retries" default:"1" validate:"gte=0,lte=3"`
}

// KeyManagementConfig contains custody key encryption settings
type KeyManagementConfig struct {
	MasterKeyEnv string `yaml:"master_key_env" default:"CUSTODY_MASTER_KEY"`
}

// JWKSConfig contains JWKS configuration for JWT validation
type JWKSConfig struct {
	URL    string `yaml:"url"`
	Issuer string `yaml:"issuer"`
}

// PricingConfig maps token symbols to a static USD price.
type PricingConfig struct {
	USD map[string]decimal.Decimal `yaml:"usd"`
}

// FeeConfig holds withdrawal fees used when no admin setting exists.
type FeeConfig struct {
	DefaultWithdrawal map[string]decimal.Decimal `yaml:"default_withdrawal"`
}

// StakingConfig contains staking settings
type StakingConfig struct {
	MinimumAmount decimal.Decimal `yaml:"minimum_amount"`
}

// WithdrawalConfig contains withdrawal execution settings
type WithdrawalConfig struct {
	// ReceiptWait is how long a withdrawal waits for its receipt before
	// leaving the row pending for the settle job.
	ReceiptWait  time.Duration `yaml:"receipt_wait" default:"30s"`
	PollInterval time.Duration `yaml:"poll_interval" default:"2s"`

	// SettleAfter is the minimum age of a pending row before the settle job
	// may broadcast it again or give it up.
	SettleAfter time.Duration `yaml:"settle_after" default:"2m"`
}

// RewardsConfig points at the downstream rewards hook.
type RewardsConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout" default:"5s"`
}

// ScheduleConfig contains cron specs of the background jobs
type ScheduleConfig struct {
	Scan      string `yaml:"scan" default:"@every 30s"`
	Sweep     string `yaml:"sweep" default:"@every 10m"`
	Reconcile string `yaml:"reconcile" default:"@every 5m"`
	Settle    string `yaml:"settle" default:"@every 1m"`
}

// ReconciliationConfig contains settings for balance reconciliation
type ReconciliationConfig struct {
	InitialTimeout time.Duration `yaml:"initial_timeout" default:"2m"`
	RunTimeout     time.Duration `yaml:"run_timeout" default:"2m"`
}

// APIServerConfig represents the custody API server configuration
type APIServerConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	RPC           RPCConfig           `yaml:"rpc"`
	Chains        []ChainConfig       `yaml:"chains" validate:"required,min=1,dive"`
	KeyManagement KeyManagementConfig `yaml:"key_management"`
	JWKS          JWKSConfig          `yaml:"jwks"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Fees          FeeConfig           `yaml:"fees"`
	Staking       StakingConfig       `yaml:"staking"`
	Withdrawal    WithdrawalConfig    `yaml:"withdrawal"`
	Rewards       RewardsConfig       `yaml:"rewards"`
}

// WorkerConfig represents the background worker configuration
type WorkerConfig struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	RPC            RPCConfig            `yaml:"rpc"`
	Chains         []ChainConfig        `yaml:"chains" validate:"required,min=1,dive"`
	KeyManagement  KeyManagementConfig  `yaml:"key_management"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Rewards        RewardsConfig        `yaml:"rewards"`
}
