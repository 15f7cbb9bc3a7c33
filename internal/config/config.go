package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vedhavyas/go-subkey/v2"
	"gopkg.in/yaml.v3"
)

// ============================================================
// MAIN CONFIG
// ============================================================

type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ============================================================
// CHAIN CONFIG
// ============================================================

type ChainConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	SS58Format uint16   `yaml:"ss58_format"`
	Validators []string `yaml:"validators"`
}

// ============================================================
// SERVER / METRICS CONFIG
// ============================================================

type ServerConfig struct {
	Port int `yaml:"port"`
}

type MetricsConfig struct {
	Prefix string `yaml:"prefix"`
}

// ============================================================
// ADVANCED CONFIG
// ============================================================

type AdvancedConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	SeenHeads    int    `yaml:"seen_heads"`
	Workers      int    `yaml:"workers"`
	QueryTimeout string `yaml:"query_timeout"`
	LogLevel     string `yaml:"log_level"`
}

const (
	DefaultEndpoint     = "wss://kusama-rpc.polkadot.io/"
	DefaultSS58Format   = 2
	DefaultPrefix       = "kusama"
	DefaultQueueSize    = 256
	DefaultSeenHeads    = 1024
	DefaultWorkers      = 8
	DefaultQueryTimeout = "30s"
	DefaultLogLevel     = "info"
)

var ErrInvalidConfig = errors.New("invalid config")

// ============================================================
// HELPER FUNCTIONS
// ============================================================

// ParseDuration parses duration strings like "1m", "5m", "30s".
// An empty string means zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// QueryTimeoutDuration returns the per-query timeout. Call Validate first.
func (a AdvancedConfig) QueryTimeoutDuration() time.Duration {
	d, _ := ParseDuration(a.QueryTimeout)
	return d
}

// ParseValidators parses the JSON array form used by KSM_WATCHER_VALIDATORS,
// e.g. `["HqRc...", "GtLW..."]`.
func ParseValidators(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty validator list", ErrInvalidConfig)
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: validators must be a JSON array of strings: %v", ErrInvalidConfig, err)
	}
	return out, nil
}

// ============================================================
// LOAD FUNCTION
// ============================================================

// Default returns a config with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.Chain.SS58Format = DefaultSS58Format
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a yaml config file and applies defaults. It does not validate,
// since command line overrides may still fill required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Keys absent from the file keep their defaults. ss58_format 0 is a
	// real prefix, so it can only be defaulted this way.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Chain.Endpoint == "" {
		c.Chain.Endpoint = DefaultEndpoint
	}
	if c.Metrics.Prefix == "" {
		c.Metrics.Prefix = DefaultPrefix
	}
	if c.Advanced.QueueSize == 0 {
		c.Advanced.QueueSize = DefaultQueueSize
	}
	if c.Advanced.SeenHeads == 0 {
		c.Advanced.SeenHeads = DefaultSeenHeads
	}
	if c.Advanced.Workers == 0 {
		c.Advanced.Workers = DefaultWorkers
	}
	if c.Advanced.QueryTimeout == "" {
		c.Advanced.QueryTimeout = DefaultQueryTimeout
	}
	if c.Advanced.LogLevel == "" {
		c.Advanced.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if len(c.Chain.Validators) == 0 {
		return fmt.Errorf("%w: at least one validator is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Chain.Validators))
	for i, v := range c.Chain.Validators {
		v = strings.TrimSpace(v)
		if v == "" {
			return fmt.Errorf("%w: validator #%d is empty", ErrInvalidConfig, i)
		}
		if seen[v] {
			return fmt.Errorf("%w: validator %s listed twice", ErrInvalidConfig, v)
		}
		format, _, err := subkey.SS58Decode(v)
		if err != nil {
			return fmt.Errorf("%w: validator %s is not a valid SS58 address: %v", ErrInvalidConfig, v, err)
		}
		// The active set is rendered with ss58_format; any other prefix never matches.
		if format != c.Chain.SS58Format {
			return fmt.Errorf("%w: validator %s uses SS58 format %d, chain is configured for %d",
				ErrInvalidConfig, v, format, c.Chain.SS58Format)
		}
		seen[v] = true
		c.Chain.Validators[i] = v
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port must be in 1-65535, got %d", ErrInvalidConfig, c.Server.Port)
	}
	if strings.TrimSpace(c.Chain.Endpoint) == "" {
		return fmt.Errorf("%w: chain endpoint is required", ErrInvalidConfig)
	}
	if c.Advanced.QueueSize < 1 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	}
	if c.Advanced.SeenHeads < 1 {
		return fmt.Errorf("%w: seen_heads must be positive", ErrInvalidConfig)
	}
	if c.Advanced.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if d, err := ParseDuration(c.Advanced.QueryTimeout); err != nil || d < 0 {
		return fmt.Errorf("%w: bad query_timeout %q", ErrInvalidConfig, c.Advanced.QueryTimeout)
	}
	return nil
}
