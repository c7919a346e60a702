// Package config loads and validates the gas station YAML configuration
// and the process environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/gaspool/internal/access"
)

// AuthEnvName is the environment variable carrying the bearer secret
// required by the /v1 endpoints.
const AuthEnvName = "GAS_STATION_AUTH"

// TxLoggingEnvName enables per-transaction trace logging when set to true.
const TxLoggingEnvName = "TRANSACTIONS_LOGGING"

const (
	DefaultRPCHostIP   = "0.0.0.0"
	DefaultRPCPort     = 9527
	DefaultMetricsPort = 9184

	// DefaultTargetInitBalance is the denomination coins are split into:
	// 0.1 IOTA in nanos.
	DefaultTargetInitBalance = 100_000_000
	// DefaultRefreshIntervalSec is the replenisher cadence.
	DefaultRefreshIntervalSec = 3600

	// DefaultMaxCoinsPerReservation bounds gas payment size per transaction.
	DefaultMaxCoinsPerReservation = 256

	// DefaultMaxInFlight bounds concurrently served RPC requests.
	DefaultMaxInFlight = 1024
)

// Config is the root YAML configuration.
type Config struct {
	SignerConfig      SignerConfig   `yaml:"signer-config"`
	RPCHostIP         string         `yaml:"rpc-host-ip"`
	RPCPort           int            `yaml:"rpc-port"`
	MetricsPort       int            `yaml:"metrics-port"`
	StorageConfig     StorageConfig  `yaml:"storage-config"`
	FullnodeURL       string         `yaml:"fullnode-url"`
	FullnodeBasicAuth *BasicAuth     `yaml:"fullnode-basic-auth"`
	CoinInitConfig    *CoinInit      `yaml:"coin-init-config"`
	DailyGasUsageCap  int64          `yaml:"daily-gas-usage-cap"`
	AccessController  access.Config  `yaml:"access-controller"`
	MaxCoinsPerRes    int            `yaml:"max-coins-per-reservation"`
	RPCRateLimit      RateLimit      `yaml:"rpc-rate-limit"`
}

// SignerConfig selects exactly one signing backend.
type SignerConfig struct {
	Local   *LocalSigner   `yaml:"local"`
	Sidecar *SidecarSigner `yaml:"sidecar"`
}

// LocalSigner holds an in-process keypair: base64 of flag byte plus
// ed25519 seed.
type LocalSigner struct {
	Keypair string `yaml:"keypair"`
}

// SidecarSigner points at a remote signing service.
type SidecarSigner struct {
	SidecarURL string `yaml:"sidecar-url"`
}

// StorageConfig selects the keyed store. Redis is the only backend.
type StorageConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis endpoint.
type RedisConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// BasicAuth carries optional full-node credentials.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CoinInit configures the initializer / replenisher. A nil CoinInit in
// Config disables both.
type CoinInit struct {
	TargetInitBalance  uint64 `yaml:"target-init-balance"`
	RefreshIntervalSec uint64 `yaml:"refresh-interval-sec"`
}

// RateLimit configures RPC backpressure. RPS of zero disables the token
// bucket; MaxInFlight always applies.
type RateLimit struct {
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	MaxInFlight int     `yaml:"max-in-flight"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RPCHostIP == "" {
		c.RPCHostIP = DefaultRPCHostIP
	}
	if c.RPCPort == 0 {
		c.RPCPort = DefaultRPCPort
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
	if c.MaxCoinsPerRes == 0 {
		c.MaxCoinsPerRes = DefaultMaxCoinsPerReservation
	}
	if c.RPCRateLimit.MaxInFlight == 0 {
		c.RPCRateLimit.MaxInFlight = DefaultMaxInFlight
	}
	if c.RPCRateLimit.RPS > 0 && c.RPCRateLimit.Burst == 0 {
		c.RPCRateLimit.Burst = int(c.RPCRateLimit.RPS)
	}
	if c.CoinInitConfig != nil {
		if c.CoinInitConfig.TargetInitBalance == 0 {
			c.CoinInitConfig.TargetInitBalance = DefaultTargetInitBalance
		}
		if c.CoinInitConfig.RefreshIntervalSec == 0 {
			c.CoinInitConfig.RefreshIntervalSec = DefaultRefreshIntervalSec
		}
	}
}

// Validate checks the configuration for startup-fatal mistakes.
func (c *Config) Validate() error {
	local, sidecar := c.SignerConfig.Local != nil, c.SignerConfig.Sidecar != nil
	if local == sidecar {
		return fmt.Errorf("signer-config: exactly one of local or sidecar must be set")
	}
	if local && c.SignerConfig.Local.Keypair == "" {
		return fmt.Errorf("signer-config.local.keypair is required")
	}
	if sidecar {
		if _, err := url.ParseRequestURI(c.SignerConfig.Sidecar.SidecarURL); err != nil {
			return fmt.Errorf("signer-config.sidecar.sidecar-url: %w", err)
		}
	}
	if c.StorageConfig.Redis.RedisURL == "" {
		return fmt.Errorf("storage-config.redis.redis_url is required")
	}
	if c.FullnodeURL == "" {
		return fmt.Errorf("fullnode-url is required")
	}
	if _, err := url.ParseRequestURI(c.FullnodeURL); err != nil {
		return fmt.Errorf("fullnode-url: %w", err)
	}
	if net.ParseIP(c.RPCHostIP) == nil {
		return fmt.Errorf("rpc-host-ip %q is not an IP address", c.RPCHostIP)
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc-port %d out of range", c.RPCPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics-port %d out of range", c.MetricsPort)
	}
	if c.RPCPort == c.MetricsPort {
		return fmt.Errorf("rpc-port and metrics-port must differ")
	}
	if c.DailyGasUsageCap < 0 {
		return fmt.Errorf("daily-gas-usage-cap must not be negative")
	}
	if c.MaxCoinsPerRes < 1 {
		return fmt.Errorf("max-coins-per-reservation must be at least 1")
	}
	if c.CoinInitConfig != nil && c.CoinInitConfig.TargetInitBalance == 0 {
		return fmt.Errorf("coin-init-config.target-init-balance must be positive")
	}
	if err := c.AccessController.Validate(); err != nil {
		return fmt.Errorf("access-controller: %w", err)
	}
	return nil
}

// Env is the process environment the station reads at startup. An
// unset GAS_STATION_AUTH leaves the RPC endpoints unauthenticated; the
// server logs a warning in that case rather than refusing to start.
type Env struct {
	AuthSecret          string `env:"GAS_STATION_AUTH"`
	TransactionsLogging bool   `env:"TRANSACTIONS_LOGGING,default=false"`
	LogLevel            string `env:"LOG_LEVEL,default=info"`
}

// LoadEnv decodes the environment block.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envdecode.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &env, nil
}
