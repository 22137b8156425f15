package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vietddude/distributor/internal/core/domain"
	"gopkg.in/yaml.v2"
)

// chipnetServers are the public chipnet Fulcrum endpoints, in priority order.
var chipnetServers = []domain.Endpoint{
	{Host: "chipnet.imaginary.cash", Port: 50004, Scheme: domain.SchemeWSS},
	{Host: "testnet.bitcoincash.network", Port: 50004, Scheme: domain.SchemeWSS},
	{Host: "blackie.c3-soft.com", Port: 60004, Scheme: domain.SchemeWSS},
	{Host: "chipnet.bch.ninja", Port: 50004, Scheme: domain.SchemeWSS},
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	n := &cfg.Network
	if n.Name == "" {
		n.Name = domain.NetworkChipnet
	}
	if n.ApplicationID == "" {
		n.ApplicationID = "bch-blaze-dividend-distributor"
	}
	if n.ProtocolVersion == "" {
		n.ProtocolVersion = "1.4.1"
	}
	if n.Confidence == 0 {
		n.Confidence = 1
	}
	if n.Redundancy == 0 {
		n.Redundancy = 1
	}
	if n.Order == "" {
		n.Order = "priority"
	}
	if n.TimeoutMs == 0 {
		n.TimeoutMs = 5000
	}
	if len(n.Servers) == 0 && n.Name == domain.NetworkChipnet {
		n.Servers = append([]domain.Endpoint(nil), chipnetServers...)
	}
	for i := range n.Servers {
		if n.Servers[i].Scheme == "" {
			n.Servers[i].Scheme = domain.SchemeWSS
		}
	}

	if cfg.Contract.DividendPerToken == 0 {
		cfg.Contract.DividendPerToken = 1000
	}
	if cfg.Contract.DeployAmount == 0 {
		cfg.Contract.DeployAmount = 10000
	}
	if cfg.Contract.FeeRate == 0 {
		cfg.Contract.FeeRate = 1
	}

	if cfg.Distribution.MaxRetries == 0 {
		cfg.Distribution.MaxRetries = 3
	}
	if cfg.Distribution.Backoff == 0 {
		cfg.Distribution.Backoff = time.Second
	}
	if cfg.Distribution.LockTTL == 0 {
		cfg.Distribution.LockTTL = 2 * time.Minute
	}
}

// Validate reports every invalid setting at once.
func (c *AppConfig) Validate() error {
	var errs []error
	n := c.Network
	if len(n.Servers) == 0 {
		errs = append(errs, fmt.Errorf("network.servers: no endpoints configured for %s", n.Name))
	}
	if n.Confidence < 1 || n.Confidence > n.Redundancy {
		errs = append(errs, fmt.Errorf("network.confidence: %d must be between 1 and redundancy %d", n.Confidence, n.Redundancy))
	}
	if n.Redundancy > len(n.Servers) && len(n.Servers) > 0 {
		errs = append(errs, fmt.Errorf("network.redundancy: %d exceeds %d servers", n.Redundancy, len(n.Servers)))
	}
	switch strings.ToLower(n.Order) {
	case "priority", "random":
	default:
		errs = append(errs, fmt.Errorf("network.order: unknown selection order %q", n.Order))
	}
	if n.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("network.timeout_ms: must be positive"))
	}
	for i, s := range n.Servers {
		if s.Host == "" || s.Port <= 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("network.servers[%d]: invalid endpoint %s", i, s))
		}
		if s.Scheme != domain.SchemeWSS && s.Scheme != domain.SchemeWS {
			errs = append(errs, fmt.Errorf("network.servers[%d]: unsupported transport %q", i, s.Scheme))
		}
	}
	if c.Contract.DividendPerToken < 0 {
		errs = append(errs, fmt.Errorf("contract.dividend_per_token: must not be negative"))
	}
	if c.Contract.DeployAmount < 546 {
		errs = append(errs, fmt.Errorf("contract.deploy_amount: %d is below the dust limit", c.Contract.DeployAmount))
	}
	if c.Distribution.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("distribution.max_retries: must not be negative"))
	}
	if c.Distribution.Backoff < 0 {
		errs = append(errs, fmt.Errorf("distribution.backoff: must not be negative"))
	}
	return errors.Join(errs...)
}
