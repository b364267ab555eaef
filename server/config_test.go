package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if time.Duration(cfg.Tokens.TTL) != DefaultAccessTokenTTL {
		t.Fatalf("default token ttl = %v, want %v", cfg.Tokens.TTL, DefaultAccessTokenTTL)
	}
	if time.Duration(cfg.Sessions.TTL) != DefaultSessionTTL {
		t.Fatalf("default session ttl = %v, want %v", cfg.Sessions.TTL, DefaultSessionTTL)
	}
	if cfg.Server.AdminRole != DefaultAdminRole {
		t.Fatalf("default admin role = %q, want %q", cfg.Server.AdminRole, DefaultAdminRole)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	pemData, _ := testPublicKeyPEM(t)
	indented := strings.ReplaceAll(strings.TrimRight(pemData, "\n"), "\n", "\n      ")

	yamlData := `
server:
  public_url: "https://sso.example"
  dev_mode: true
  server_id: "https://sso.example/"
sso_clients:
  - base_uri: "https://app.example/sso/"
    public_key: |
      ` + indented + `
tokens:
  ttl: 90s
notifier:
  timeout: 3s
  parallelism: 2
  max_retries: 2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "https://sso.example" {
		t.Fatalf("public_url = %q", cfg.Server.PublicURL)
	}
	if time.Duration(cfg.Tokens.TTL) != 90*time.Second {
		t.Fatalf("tokens.ttl = %v, want 90s", cfg.Tokens.TTL)
	}
	if cfg.Notifier.MaxRetries != 2 {
		t.Fatalf("notifier.max_retries = %d, want 2", cfg.Notifier.MaxRetries)
	}
	if len(cfg.SsoClients) != 1 || cfg.SsoClients[0].BaseURI != "https://app.example/sso/" {
		t.Fatalf("unexpected sso_clients: %+v", cfg.SsoClients)
	}
	if _, err := NewClientRegistry(cfg.SsoClients); err != nil {
		t.Fatalf("configured client key did not parse: %v", err)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  nonsense: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown config field")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SSOD_SERVER_PUBLIC_URL", "https://env.example")
	t.Setenv("SSOD_TOKENS_TTL", "30s")
	t.Setenv("SSOD_SERVER_DEV_MODE", "yes")

	cfg := DefaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.Server.PublicURL != "https://env.example" {
		t.Fatalf("public_url = %q, want env value", cfg.Server.PublicURL)
	}
	if time.Duration(cfg.Tokens.TTL) != 30*time.Second {
		t.Fatalf("tokens.ttl = %v, want 30s", cfg.Tokens.TTL)
	}
	if !cfg.Server.DevMode {
		t.Fatalf("dev_mode override not applied")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }},
		{"bad public url scheme", func(c *Config) { c.Server.PublicURL = "ftp://sso.example" }},
		{"prod without tls domains", func(c *Config) {
			c.Server.DevMode = false
			c.Server.TLS.Domains = nil
		}},
		{"non-positive token ttl", func(c *Config) { c.Tokens.TTL = 0 }},
		{"non-positive notify timeout", func(c *Config) { c.Notifier.Timeout = 0 }},
		{"client without trailing slash", func(c *Config) {
			c.SsoClients = []SsoClientConfig{{BaseURI: "https://app.example/sso", PublicKeyPEM: "x"}}
		}},
		{"client without key", func(c *Config) {
			c.SsoClients = []SsoClientConfig{{BaseURI: "https://app.example/sso/"}}
		}},
		{"default provider not configured", func(c *Config) { c.Server.Providers.Default = "corp" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
