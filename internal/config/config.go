package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Config is the gateway's top-level configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	LogLevel string         `yaml:"log_level"`
	Admin    AdminConfig    `yaml:"admin"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Vault    VaultConfig    `yaml:"vault"`
	Session  SessionConfig  `yaml:"session"`
	Broker   BrokerConfig   `yaml:"broker"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// AdminConfig configures the management listener carrying the admin
// API, health, stats, and metrics. Token, when set, is required as a
// bearer credential on admin API calls.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// DatabaseConfig configures the relational store. An empty DSN selects the
// in-process store (tests, single-node evaluation).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the shared TTL/counter store. Disabled means
// per-process in-memory counters.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VaultConfig holds the master secret the AES key is derived from.
type VaultConfig struct {
	MasterKey string `yaml:"master_key"` // base64, at least 32 bytes decoded
}

// SessionConfig configures bearer session-token validation.
type SessionConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// BrokerConfig configures the brokered OAuth surface.
type BrokerConfig struct {
	CallbackBaseURL string           `yaml:"callback_base_url"`
	SessionTTL      time.Duration    `yaml:"session_ttl"`
	PollAfterMS     int              `yaml:"poll_after_ms"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one third-party login provider.
type ProviderConfig struct {
	Slug             string        `yaml:"slug"`
	DisplayName      string        `yaml:"display_name"`
	AuthURL          string        `yaml:"auth_url"` // page the human is sent to
	TokenExchangeURL string        `yaml:"token_exchange_url"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	TokenField       string        `yaml:"token_field"`   // JSON path of the durable token
	ExpiresField     string        `yaml:"expires_field"` // JSON path of expires_in
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultsConfig holds fallbacks applied when a plan/endpoint leaves a
// limit unset.
type DefaultsConfig struct {
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	DailyQuota      int64         `yaml:"daily_quota"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Admin: AdminConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Broker: BrokerConfig{
			SessionTTL:  10 * time.Minute,
			PollAfterMS: 1500,
		},
		Defaults: DefaultsConfig{
			UpstreamTimeout: 30 * time.Second,
			RateLimit:       60,
			RateWindow:      time.Minute,
			DailyQuota:      10000,
		},
	}
}

// MasterKeyBytes decodes and validates the vault master key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("vault.master_key: invalid base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("vault.master_key: must decode to at least 32 bytes (got %d)", len(key))
	}
	return key, nil
}

// Provider returns the broker provider config for slug, if registered.
func (c *Config) Provider(slug string) (ProviderConfig, bool) {
	for _, p := range c.Broker.Providers {
		if p.Slug == slug {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
