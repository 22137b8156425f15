package config

import (
	"time"

	"github.com/vietddude/distributor/internal/core/domain"
	redisclient "github.com/vietddude/distributor/internal/infra/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Network      NetworkConfig      `yaml:"network"`
	Contract     ContractConfig     `yaml:"contract"`
	Distribution DistributionConfig `yaml:"distribution"`
	Redis        redisclient.Config `yaml:"redis"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// NetworkConfig describes the Electrum cluster.
type NetworkConfig struct {
	Name            domain.NetworkName `yaml:"name"`
	ApplicationID   string             `yaml:"application_id"`
	ProtocolVersion string             `yaml:"protocol_version"`
	Confidence      int                `yaml:"confidence"`
	Redundancy      int                `yaml:"redundancy"`
	Order           string             `yaml:"order"` // priority, random
	TimeoutMs       int                `yaml:"timeout_ms"`
	Servers         []domain.Endpoint  `yaml:"servers"`
}

// Timeout is the per-request timeout.
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// ContractConfig holds the dividend contract parameters.
type ContractConfig struct {
	DividendPerToken int64 `yaml:"dividend_per_token"`
	DeployAmount     int64 `yaml:"deploy_amount"` // sats
	FeeRate          int64 `yaml:"fee_rate"`      // sats per byte
}

// DistributionConfig controls the retry loop.
type DistributionConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
}
