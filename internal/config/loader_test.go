package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
listen: ":8081"
log_level: debug
defaults:
  upstream_timeout: 15s
  rate_limit: 100
  rate_window: 1m
  daily_quota: 5000
`

func TestParseMinimal(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Listen != ":8081" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Defaults.UpstreamTimeout != 15*time.Second {
		t.Errorf("upstream_timeout = %v", cfg.Defaults.UpstreamTimeout)
	}
	if cfg.Defaults.DailyQuota != 5000 {
		t.Errorf("daily_quota = %d", cfg.Defaults.DailyQuota)
	}
	// Defaults survive partial configs
	if !cfg.Admin.Enabled || cfg.Admin.Listen != ":9090" {
		t.Errorf("admin defaults not applied: %+v", cfg.Admin)
	}
}

func TestEnvExpansion(t *testing.T) {
	os.Setenv("TEST_GW_LISTEN", ":7000")
	defer os.Unsetenv("TEST_GW_LISTEN")

	cfg, err := NewLoader().Parse([]byte("listen: \"${TEST_GW_LISTEN}\"\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("env var not expanded: %q", cfg.Listen)
	}
}

func TestProviderValidation(t *testing.T) {
	yaml := minimalYAML + `
broker:
  providers:
    - slug: acme
      auth_url: "not a url"
      token_exchange_url: "https://acme.example.com/oauth/token"
`
	if _, err := NewLoader().Parse([]byte(yaml)); err == nil {
		t.Fatal("expected validation error for bad auth_url")
	}
}

func TestDuplicateProviderSlug(t *testing.T) {
	yaml := minimalYAML + `
broker:
  callback_base_url: "https://gw.example.com"
  providers:
    - slug: acme
      auth_url: "https://acme.example.com/login"
      token_exchange_url: "https://acme.example.com/oauth/token"
    - slug: acme
      auth_url: "https://acme.example.com/login"
      token_exchange_url: "https://acme.example.com/oauth/token"
`
	_, err := NewLoader().Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate slug") {
		t.Fatalf("expected duplicate slug error, got %v", err)
	}
}

func TestMasterKeyValidation(t *testing.T) {
	yaml := minimalYAML + "vault:\n  master_key: \"dG9vc2hvcnQ=\"\n"
	if _, err := NewLoader().Parse([]byte(yaml)); err == nil {
		t.Fatal("expected error for short master key")
	}
}
