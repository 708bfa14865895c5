package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quantfold/ibkr-oauth/internal/types"
)

const validYAML = `
consumer:
  key: TESTCONSUMER
keys:
  signing_key: /etc/ibauth/signing.pem
  encryption_key: /etc/ibauth/encryption.pem
  dh_param: /etc/ibauth/dhparam.pem
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Consumer.Realm != DefaultRealm {
		t.Errorf("realm = %s, want %s", cfg.Consumer.Realm, DefaultRealm)
	}
	if cfg.API.BaseURL != "https://api.ibkr.com/v1/api" {
		t.Errorf("base url = %s", cfg.API.BaseURL)
	}
	if cfg.API.GatewayBaseURL != "https://localhost:5000/v1/api" {
		t.Errorf("gateway base url = %s", cfg.API.GatewayBaseURL)
	}
	if cfg.API.TimeoutSec != 30 {
		t.Errorf("timeout = %d, want 30", cfg.API.TimeoutSec)
	}
	if cfg.API.RateLimitPerSecond != 10 {
		t.Errorf("rate limit = %d, want 10", cfg.API.RateLimitPerSecond)
	}
	if cfg.Store.Type != "file" {
		t.Errorf("store type = %s, want file", cfg.Store.Type)
	}
	if cfg.Store.Path == "" {
		t.Error("store path default is empty")
	}
	if cfg.Metrics.Port != 9090 || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics defaults = %d %s", cfg.Metrics.Port, cfg.Metrics.Path)
	}
	if cfg.Timeout() != 30*time.Second {
		t.Errorf("timeout duration = %v", cfg.Timeout())
	}
}

func TestLoadFromBytes_Overrides(t *testing.T) {
	yaml := validYAML + `
api:
  base_url: https://api.example.test/v1/api
  timeout_sec: 5
  rate_limit_per_second: 50
store:
  type: sqlite
  path: /var/lib/ibauth/tokens.db
session:
  access_token: ACCTOKEN001
  access_token_secret: c2VjcmV0
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.API.BaseURL != "https://api.example.test/v1/api" {
		t.Errorf("base url = %s", cfg.API.BaseURL)
	}
	if cfg.API.TimeoutSec != 5 {
		t.Errorf("timeout = %d", cfg.API.TimeoutSec)
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.Path != "/var/lib/ibauth/tokens.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Session.AccessToken != "ACCTOKEN001" {
		t.Errorf("access token = %s", cfg.Session.AccessToken)
	}
}

func TestLoadFromBytes_EnvExpansion(t *testing.T) {
	t.Setenv("IBAUTH_TEST_CONSUMER", "ENVCONSUMER")

	yaml := strings.Replace(validYAML, "TESTCONSUMER", "${IBAUTH_TEST_CONSUMER}", 1)
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Consumer.Key != "ENVCONSUMER" {
		t.Errorf("consumer key = %s, want ENVCONSUMER", cfg.Consumer.Key)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"missing consumer key",
			func(c *Config) { c.Consumer.Key = "" },
			"consumer.key",
		},
		{
			"missing signing key",
			func(c *Config) { c.Keys.SigningKeyPath = "" },
			"keys.signing_key",
		},
		{
			"missing encryption key",
			func(c *Config) { c.Keys.EncryptionKeyPath = "" },
			"keys.encryption_key",
		},
		{
			"missing dh params",
			func(c *Config) { c.Keys.DHParamPath = "" },
			"keys.dh_param",
		},
		{
			"bad store type",
			func(c *Config) { c.Store.Type = "redis" },
			"store.type",
		},
		{
			"token without secret",
			func(c *Config) { c.Session.AccessToken = "ACCTOKEN001" },
			"set together",
		},
		{
			"secret without token",
			func(c *Config) { c.Session.AccessTokenSecret = "c2VjcmV0" },
			"set together",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadFromBytes([]byte(validYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}

			tc.mutate(cfg)
			err = cfg.Validate()
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected empty config to fail validation")
	}
	for _, want := range []string{"consumer.key", "keys.signing_key", "keys.encryption_key", "keys.dh_param"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoadFromBytes_BadYAML(t *testing.T) {
	if _, err := LoadFromBytes([]byte("consumer: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
