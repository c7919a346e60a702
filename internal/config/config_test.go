package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/gaspool/internal/access"
)

func writeConfig(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	return path
}

const fullConfig = `
signer-config:
  local:
    keypair: "AGFiY2RlZmdoaWprbG1ub3BxcnN0dXZ3eHl6MTIzNDU2"
rpc-host-ip: "127.0.0.1"
rpc-port: 9600
metrics-port: 9700
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
fullnode-url: "https://fullnode.testnet.example.com:443"
fullnode-basic-auth:
  username: "station"
  password: "hunter2"
coin-init-config:
  target-init-balance: 200000000
  refresh-interval-sec: 900
daily-gas-usage-cap: 1500000000000
access-controller:
  access-policy: deny-all
  rules:
    - sender-address: "*"
      transaction-gas-budget: "<=10000000"
      action: allow
max-coins-per-reservation: 64
rpc-rate-limit:
  rps: 200
  burst: 400
  max-in-flight: 512
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	require.NotNil(t, cfg.SignerConfig.Local)
	assert.Nil(t, cfg.SignerConfig.Sidecar)
	assert.Equal(t, "127.0.0.1", cfg.RPCHostIP)
	assert.Equal(t, 9600, cfg.RPCPort)
	assert.Equal(t, 9700, cfg.MetricsPort)
	assert.Equal(t, "redis://127.0.0.1:6379", cfg.StorageConfig.Redis.RedisURL)
	assert.Equal(t, "https://fullnode.testnet.example.com:443", cfg.FullnodeURL)
	require.NotNil(t, cfg.FullnodeBasicAuth)
	assert.Equal(t, "station", cfg.FullnodeBasicAuth.Username)
	require.NotNil(t, cfg.CoinInitConfig)
	assert.Equal(t, uint64(200_000_000), cfg.CoinInitConfig.TargetInitBalance)
	assert.Equal(t, uint64(900), cfg.CoinInitConfig.RefreshIntervalSec)
	assert.Equal(t, int64(1_500_000_000_000), cfg.DailyGasUsageCap)
	assert.Equal(t, access.PolicyDenyAll, cfg.AccessController.AccessPolicy)
	require.Len(t, cfg.AccessController.Rules, 1)
	assert.Equal(t, 64, cfg.MaxCoinsPerRes)
	assert.Equal(t, float64(200), cfg.RPCRateLimit.RPS)
	assert.Equal(t, 512, cfg.RPCRateLimit.MaxInFlight)
}

const minimalConfig = `
signer-config:
  sidecar:
    sidecar-url: "http://localhost:3000"
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
fullnode-url: "https://fullnode.example.com"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultRPCHostIP, cfg.RPCHostIP)
	assert.Equal(t, DefaultRPCPort, cfg.RPCPort)
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, DefaultMaxCoinsPerReservation, cfg.MaxCoinsPerRes)
	assert.Equal(t, DefaultMaxInFlight, cfg.RPCRateLimit.MaxInFlight)
	assert.Zero(t, cfg.RPCRateLimit.RPS)
	assert.Nil(t, cfg.CoinInitConfig, "coin init stays disabled unless configured")
	assert.Zero(t, cfg.DailyGasUsageCap, "daily cap stays disabled unless configured")
	assert.Equal(t, access.PolicyDisabled, cfg.AccessController.AccessPolicy)
}

func TestCoinInitDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"\ncoin-init-config: {}\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.CoinInitConfig)
	assert.Equal(t, uint64(DefaultTargetInitBalance), cfg.CoinInitConfig.TargetInitBalance)
	assert.Equal(t, uint64(DefaultRefreshIntervalSec), cfg.CoinInitConfig.RefreshIntervalSec)
}

func TestBurstDefaultsToRPS(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"\nrpc-rate-limit:\n  rps: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.RPCRateLimit.Burst)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "no signer",
			raw: `
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
fullnode-url: "https://fullnode.example.com"
`,
			wantErr: "signer-config",
		},
		{
			name: "both signers",
			raw: `
signer-config:
  local:
    keypair: "AAEC"
  sidecar:
    sidecar-url: "http://localhost:3000"
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
fullnode-url: "https://fullnode.example.com"
`,
			wantErr: "signer-config",
		},
		{
			name: "empty keypair",
			raw: `
signer-config:
  local:
    keypair: ""
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
fullnode-url: "https://fullnode.example.com"
`,
			wantErr: "keypair",
		},
		{
			name: "missing redis url",
			raw: `
signer-config:
  local:
    keypair: "AAEC"
fullnode-url: "https://fullnode.example.com"
`,
			wantErr: "redis_url",
		},
		{
			name: "missing fullnode url",
			raw: `
signer-config:
  local:
    keypair: "AAEC"
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
`,
			wantErr: "fullnode-url",
		},
		{
			name: "fullnode url without scheme",
			raw: `
signer-config:
  local:
    keypair: "AAEC"
storage-config:
  redis:
    redis_url: "redis://127.0.0.1:6379"
fullnode-url: "fullnode.example.com"
`,
			wantErr: "fullnode-url",
		},
		{
			name: "bad host ip",
			raw: minimalConfig + `rpc-host-ip: "station.internal"` + "\n",
			wantErr: "rpc-host-ip",
		},
		{
			name: "port collision",
			raw: minimalConfig + "rpc-port: 9000\nmetrics-port: 9000\n",
			wantErr: "must differ",
		},
		{
			name: "negative daily cap",
			raw: minimalConfig + "daily-gas-usage-cap: -5\n",
			wantErr: "daily-gas-usage-cap",
		},
		{
			name: "bad access policy",
			raw: minimalConfig + "access-controller:\n  access-policy: sometimes\n",
			wantErr: "access-controller",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(AuthEnvName, "station-secret")
	t.Setenv(TxLoggingEnvName, "true")
	t.Setenv("LOG_LEVEL", "debug")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "station-secret", env.AuthSecret)
	assert.True(t, env.TransactionsLogging)
	assert.Equal(t, "debug", env.LogLevel)
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv(AuthEnvName, "")
	t.Setenv(TxLoggingEnvName, "")
	t.Setenv("LOG_LEVEL", "")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Empty(t, env.AuthSecret)
	assert.False(t, env.TransactionsLogging)
	assert.Equal(t, "info", env.LogLevel)
}
