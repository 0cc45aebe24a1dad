package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation reports them.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.Vault.MasterKey != "" {
		if _, err := cfg.MasterKeyBytes(); err != nil {
			return err
		}
	}
	if cfg.Defaults.UpstreamTimeout <= 0 {
		return fmt.Errorf("defaults.upstream_timeout must be positive")
	}
	if cfg.Defaults.RateLimit <= 0 || cfg.Defaults.RateWindow <= 0 {
		return fmt.Errorf("defaults rate limit and window must be positive")
	}

	seen := make(map[string]bool, len(cfg.Broker.Providers))
	for i, p := range cfg.Broker.Providers {
		if p.Slug == "" {
			return fmt.Errorf("broker.providers[%d]: slug is required", i)
		}
		if seen[p.Slug] {
			return fmt.Errorf("broker.providers[%d]: duplicate slug %q", i, p.Slug)
		}
		seen[p.Slug] = true
		for name, raw := range map[string]string{"auth_url": p.AuthURL, "token_exchange_url": p.TokenExchangeURL} {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("broker.providers[%d]: %s must be an absolute http(s) URL", i, name)
			}
		}
	}

	if len(cfg.Broker.Providers) > 0 && cfg.Broker.CallbackBaseURL == "" {
		return fmt.Errorf("broker.callback_base_url is required when providers are configured")
	}
	return nil
}
