// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quantfold/ibkr-oauth/internal/types"
	"gopkg.in/yaml.v3"
)

// DefaultRealm is the institutional access realm used when none is configured.
const DefaultRealm = "limited_poa"

// Config represents the full application configuration.
type Config struct {
	Consumer Consumer    `yaml:"consumer"`
	Keys     Keys        `yaml:"keys"`
	Session  Session     `yaml:"session"`
	Store    StoreConfig `yaml:"store"`
	API      APIConfig   `yaml:"api"`
	Metrics  Metrics     `yaml:"metrics"`
}

// Consumer identifies the OAuth consumer.
type Consumer struct {
	Key   string `yaml:"key"`
	Realm string `yaml:"realm"`
}

// Keys holds paths to the cryptographic material.
type Keys struct {
	SigningKeyPath    string `yaml:"signing_key"`
	EncryptionKeyPath string `yaml:"encryption_key"`
	DHParamPath       string `yaml:"dh_param"`
}

// Session holds optional pre-authorized tokens for the fast path.
type Session struct {
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret string `yaml:"access_token_secret"` // base64 ciphertext
}

// StoreConfig selects and configures the token persistence backend.
type StoreConfig struct {
	Type string `yaml:"type"` // file | sqlite
	Path string `yaml:"path"`
}

// APIConfig holds the REST surface settings.
type APIConfig struct {
	BaseURL            string `yaml:"base_url"`
	GatewayBaseURL     string `yaml:"gateway_base_url"`
	TimeoutSec         int    `yaml:"timeout_sec"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
}

// Metrics holds metrics server settings.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills unset fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Consumer.Realm == "" {
		c.Consumer.Realm = DefaultRealm
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.ibkr.com/v1/api"
	}
	if c.API.GatewayBaseURL == "" {
		c.API.GatewayBaseURL = "https://localhost:5000/v1/api"
	}
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.RateLimitPerSecond <= 0 {
		c.API.RateLimitPerSecond = 10
	}
	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	if c.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.Path = filepath.Join(home, ".ibauth", "tokens.json")
		}
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Consumer.Key == "" {
		errs = append(errs, "consumer.key is required")
	}
	if c.Keys.SigningKeyPath == "" {
		errs = append(errs, "keys.signing_key is required")
	}
	if c.Keys.EncryptionKeyPath == "" {
		errs = append(errs, "keys.encryption_key is required")
	}
	if c.Keys.DHParamPath == "" {
		errs = append(errs, "keys.dh_param is required")
	}
	if c.Store.Type != "file" && c.Store.Type != "sqlite" {
		errs = append(errs, "store.type must be 'file' or 'sqlite'")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	// A pre-authorized token without its secret cannot seed the fast path.
	if (c.Session.AccessToken == "") != (c.Session.AccessTokenSecret == "") {
		errs = append(errs, "session.access_token and session.access_token_secret must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// Timeout returns the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}
