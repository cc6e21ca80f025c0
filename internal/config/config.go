// Package config loads the spvsyncd daemon's configuration from a YAML
// file with environment-variable overrides: a YAML struct decode, then a
// validate() pass that also fills in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full spvsyncd daemon configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Sync     SyncConfig     `yaml:"sync"`
	Bloom    BloomConfig    `yaml:"bloom"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig addresses the remote header-streaming node.
type NodeConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Insecure bool   `yaml:"insecure"` // skip TLS, for local/dev nodes only
}

// SyncConfig tunes the Reader's fan-out and retry behavior.
type SyncConfig struct {
	FromHeight         uint32        `yaml:"from_height"`
	MaxRetries         uint32        `yaml:"max_retries"`
	MaxParallelStreams uint32        `yaml:"max_parallel_streams"`
	TargetBatchSize    uint32        `yaml:"target_batch_size"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
}

// BloomConfig configures the optional transaction-stream variant.
type BloomConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
}

// LoggingConfig controls internal/diag verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Load reads path as YAML, then applies environment-variable overrides
// (SPVSYNCD_NODE_ENDPOINT, SPVSYNCD_NODE_API_KEY, SPVSYNCD_LOG_DEBUG),
// then validates and fills defaults. envFile, if non-empty, is loaded via
// godotenv before the overrides are read.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPVSYNCD_NODE_ENDPOINT"); v != "" {
		c.Node.Endpoint = v
	}
	if v := os.Getenv("SPVSYNCD_NODE_API_KEY"); v != "" {
		c.Node.APIKey = v
	}
	if v := os.Getenv("SPVSYNCD_LOG_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
}

func (c *Config) validate() error {
	if c.Node.Endpoint == "" {
		return fmt.Errorf("node.endpoint is required")
	}
	if c.Sync.FromHeight == 0 {
		c.Sync.FromHeight = 1
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.MaxParallelStreams == 0 {
		c.Sync.MaxParallelStreams = 8
	}
	if c.Sync.TargetBatchSize == 0 {
		c.Sync.TargetBatchSize = 50000
	}
	if c.Sync.RetryInterval <= 0 {
		c.Sync.RetryInterval = time.Second
	}
	if c.Bloom.Enabled && len(c.Bloom.Addresses) == 0 {
		return fmt.Errorf("bloom.enabled requires at least one address")
	}
	return nil
}
