// Package config loads and validates the YAML configuration.
package config

import (
	"fmt"
	"net/mail"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	mailpkg "github.com/relayq/relayq/internal/mail"
	"github.com/relayq/relayq/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig         `yaml:"storage"`
	Relay     mailpkg.RelayConfig   `yaml:"relay"`
	Sender    mailpkg.SenderConfig  `yaml:"sender"`
	Dispatch  DispatchConfig        `yaml:"dispatch"`
	RateLimit ratelimit.Config      `yaml:"rate_limit"`
	API       APIConfig             `yaml:"api"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Logging   LoggingConfig         `yaml:"logging"`
	Retention RetentionConfig       `yaml:"retention"`

	// Timezone resolves schedule expressions like "tomorrow 9am".
	// Empty means the system local zone.
	Timezone string `yaml:"timezone,omitempty"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig contains dispatch engine settings
type DispatchConfig struct {
	PassInterval   time.Duration `yaml:"pass_interval"`
	BatchLimit     int           `yaml:"batch_limit"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetentionConfig contains terminal job retention settings
type RetentionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // how often to prune
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/relayq.db"
	}

	if c.Relay.Port == 0 {
		c.Relay.Port = 587
	}
	if c.Relay.Encryption == "" {
		c.Relay.Encryption = mailpkg.EncryptionStartTLS
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 30 * time.Second
	}
	if c.Relay.LocalName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "localhost"
		}
		c.Relay.LocalName = hostname
	}

	if c.Dispatch.PassInterval == 0 {
		c.Dispatch.PassInterval = 5 * time.Second
	}
	if c.Dispatch.BatchLimit == 0 {
		c.Dispatch.BatchLimit = 50
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 5
	}
	if c.Dispatch.RetryBase == 0 {
		c.Dispatch.RetryBase = time.Minute
	}
	if c.Dispatch.RetryMax == 0 {
		c.Dispatch.RetryMax = time.Hour
	}
	if c.Dispatch.JitterFraction == 0 {
		c.Dispatch.JitterFraction = 0.2
	}
	if c.Dispatch.AttemptTimeout == 0 {
		c.Dispatch.AttemptTimeout = 2 * time.Minute
	}

	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 8
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	if c.RateLimit.DomainBurst == 0 {
		c.RateLimit.DomainBurst = 1
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Retention.CleanupInterval == 0 {
		c.Retention.CleanupInterval = time.Hour
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required")
	}
	switch c.Relay.Encryption {
	case mailpkg.EncryptionStartTLS, mailpkg.EncryptionTLS, mailpkg.EncryptionNone:
	default:
		return fmt.Errorf("invalid relay.encryption: %s (must be starttls, tls, or none)", c.Relay.Encryption)
	}

	if c.Sender.From == "" {
		return fmt.Errorf("sender.from is required")
	}
	if _, err := mail.ParseAddress(c.Sender.From); err != nil {
		return fmt.Errorf("invalid sender.from: %w", err)
	}

	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate_limit.per_minute must not be negative")
	}
	if c.Dispatch.JitterFraction < 0 || c.Dispatch.JitterFraction > 1 {
		return fmt.Errorf("dispatch.jitter_fraction must be between 0 and 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
