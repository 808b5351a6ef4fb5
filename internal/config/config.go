package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds record persistence configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ExpiryConfig holds the record expiry thresholds and sweep cadence
type ExpiryConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	MaxUpdateLag  int64         `yaml:"max_update_lag"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// GossipConfig holds cluster membership configuration
type GossipConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BindPort  int      `yaml:"bind_port"`
	SeedNodes []string `yaml:"seed_nodes"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the aggregation server
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default value,
// used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = "aggregator-1"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4567
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "."
	}

	if cfg.Expiry.MaxAge == 0 {
		cfg.Expiry.MaxAge = 30 * time.Second
	}
	if cfg.Expiry.MaxUpdateLag == 0 {
		cfg.Expiry.MaxUpdateLag = 20
	}
	if cfg.Expiry.SweepInterval == 0 {
		cfg.Expiry.SweepInterval = 120 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Expiry.MaxAge <= 0 {
		return fmt.Errorf("expiry.max_age must be positive")
	}
	if c.Expiry.MaxUpdateLag < 0 {
		return fmt.Errorf("expiry.max_update_lag must not be negative")
	}
	if c.Expiry.SweepInterval <= 0 {
		return fmt.Errorf("expiry.sweep_interval must be positive")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
