package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const workerYAML = `
database:
  user: custody
  password: ${TEST_DB_PASSWORD}
chains:
  - chain_id: 1
    name: ethereum
    rpc_url: https://rpc.example.org
    native_symbol: ETH
    native_dust_threshold: "0.001"
    treasury_address: "0x00000000000000000000000000000000000000aa"
    tokens:
      - symbol: USDC
        address: "0x00000000000000000000000000000000000000bb"
        decimals: 6
        dust_threshold: "1.5"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWorker_AppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := LoadWorker(writeConfig(t, workerYAML))
	require.NoError(t, err)

	require.Equal(t, "s3cret", cfg.Database.Password)
	require.Equal(t, "localhost", cfg.Database.Host)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, 12*time.Second, cfg.RPC.Timeout)
	require.Equal(t, 1, cfg.RPC.Retries)
	require.Equal(t, "@every 5m", cfg.Schedule.Reconcile)

	require.Len(t, cfg.Chains, 1)
	chain := cfg.Chains[0]
	require.Equal(t, int32(18), chain.NativeDecimals)
	require.Equal(t, uint64(2000), chain.ScanWindow)
	require.True(t, chain.NativeDust.Equal(decimal.RequireFromString("0.001")))
	require.Equal(t, int32(6), chain.Tokens[0].Decimals)
	require.Equal(t, uint64(100000), chain.Tokens[0].GasLimit)
	require.True(t, chain.Tokens[0].DustThreshold.Equal(decimal.RequireFromString("1.5")))
}

func TestLoadWorker_RejectsInvalidTreasury(t *testing.T) {
	body := `
database:
  user: custody
chains:
  - chain_id: 1
    name: ethereum
    rpc_url: https://rpc.example.org
    native_symbol: ETH
    treasury_address: not-an-address
`
	_, err := LoadWorker(writeConfig(t, body))
	require.Error(t, err)
}

func TestLoadAPIServer_RejectsDuplicateChains(t *testing.T) {
	body := `
database:
  user: custody
chains:
  - chain_id: 1
    name: a
    rpc_url: https://a.example.org
    native_symbol: ETH
    treasury_address: "0x00000000000000000000000000000000000000aa"
  - chain_id: 1
    name: b
    rpc_url: https://b.example.org
    native_symbol: ETH
    treasury_address: "0x00000000000000000000000000000000000000aa"
`
	_, err := LoadAPIServer(writeConfig(t, body))
	require.ErrorContains(t, err, "duplicate chain_id")
}

func TestLoadWorker_MissingFile(t *testing.T) {
	_, err := LoadWorker(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}
