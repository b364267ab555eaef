package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token, session, and notifier defaults
const (
	DefaultAccessTokenTTL    = 5 * time.Minute
	DefaultSessionTTL        = 12 * time.Hour
	DefaultNotifyTimeout     = 5 * time.Second
	DefaultNotifyParallelism = 8
	DefaultAdminRole         = "administrator"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	SsoClients []SsoClientConfig `yaml:"sso_clients"`
	Tokens     TokenConfig       `yaml:"tokens"`
	Sessions   SessionConfig     `yaml:"sessions"`
	Notifier   NotifierConfig    `yaml:"notifier"`
}

// ServerConfig controls listener, TLS, and identity concerns.
type ServerConfig struct {
	PublicURL       string         `yaml:"public_url"`
	DevListenAddr   string         `yaml:"dev_listen_addr"`
	HTTPListenAddr  string         `yaml:"http_listen_addr"`
	HTTPSListenAddr string         `yaml:"https_listen_addr"`
	DevMode         bool           `yaml:"dev_mode"`
	CookieDomain    string         `yaml:"cookie_domain"`
	SecretsPath     string         `yaml:"secrets_path"`
	ServerID        string         `yaml:"server_id"`
	AdminRole       string         `yaml:"admin_role"`
	TLS             TLSConfig      `yaml:"tls"`
	Providers       ProviderConfig `yaml:"providers"`
	DevAccounts     []Account      `yaml:"dev_accounts"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// SsoClientConfig describes a registered relying party. The base URI is the
// client's identity; the public key verifies its signed redirects.
type SsoClientConfig struct {
	BaseURI      string `yaml:"base_uri"`
	PublicKeyPEM string `yaml:"public_key"`
}

// Duration is a time.Duration that reads and writes YAML in the
// "5m" / "90s" form.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// TokenConfig controls access token issuance.
type TokenConfig struct {
	TTL Duration `yaml:"ttl"`
}

// SessionConfig controls browser session lifetime.
type SessionConfig struct {
	TTL Duration `yaml:"ttl"`
}

// NotifierConfig controls session-destroy fan-out behaviour.
type NotifierConfig struct {
	Timeout     Duration `yaml:"timeout"`
	Parallelism int      `yaml:"parallelism"`
	MaxRetries  int      `yaml:"max_retries"`
}

// ProviderConfig groups upstream login providers.
type ProviderConfig struct {
	Default string                      `yaml:"default"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP
// used to establish the server-side account.
type UpstreamProvider struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RolesClaim   string   `yaml:"roles_claim"`
	DefaultRoles []string `yaml:"default_roles"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			ServerID:        "ssod",
			AdminRole:       DefaultAdminRole,
		},
		Tokens:   TokenConfig{TTL: Duration(DefaultAccessTokenTTL)},
		Sessions: SessionConfig{TTL: Duration(DefaultSessionTTL)},
		Notifier: NotifierConfig{
			Timeout:     Duration(DefaultNotifyTimeout),
			Parallelism: DefaultNotifyParallelism,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SSOD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SSOD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SSOD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SSOD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SSOD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SSOD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SSOD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SSOD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"SSOD_SERVER_ID":                func(v string) { cfg.Server.ServerID = v },
		"SSOD_TOKENS_TTL":               func(v string) { cfg.Tokens.TTL = Duration(parseDuration(v, time.Duration(cfg.Tokens.TTL))) },
		"SSOD_NOTIFIER_TIMEOUT":         func(v string) { cfg.Notifier.Timeout = Duration(parseDuration(v, time.Duration(cfg.Notifier.Timeout))) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Tokens.TTL <= 0 {
		return errors.New("tokens.ttl must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Notifier.Timeout <= 0 {
		return errors.New("notifier.timeout must be positive")
	}
	if c.Notifier.Parallelism <= 0 {
		return errors.New("notifier.parallelism must be positive")
	}

	for i, client := range c.SsoClients {
		if client.BaseURI == "" {
			slog.Error("SSO client missing base_uri", "index", i)
			return fmt.Errorf("sso_clients[%d]: base_uri is required", i)
		}
		if !strings.HasPrefix(client.BaseURI, "http://") && !strings.HasPrefix(client.BaseURI, "https://") {
			return fmt.Errorf("sso_clients[%d] (%s): base_uri must start with http:// or https://", i, client.BaseURI)
		}
		if !strings.HasSuffix(client.BaseURI, "/") {
			return fmt.Errorf("sso_clients[%d] (%s): base_uri must end with a trailing slash", i, client.BaseURI)
		}
		if client.PublicKeyPEM == "" {
			slog.Error("SSO client missing public key", "base_uri", client.BaseURI, "index", i)
			return fmt.Errorf("sso_clients[%d] (%s): public_key is required", i, client.BaseURI)
		}
	}

	if len(c.SsoClients) == 0 && !c.Server.DevMode {
		slog.Error("No SSO clients configured", "reason", "at least one relying party must be registered in production")
		return errors.New("at least one SSO client must be configured in production")
	}

	if !c.Server.DevMode && c.Server.Providers.Default == "" {
		return errors.New("server.providers.default is required in production mode")
	}
	if c.Server.Providers.Default != "" {
		provider, ok := c.Server.Providers.Extra[c.Server.Providers.Default]
		if !ok {
			return fmt.Errorf("server.providers.default '%s' is not configured", c.Server.Providers.Default)
		}
		if provider.Issuer == "" {
			return fmt.Errorf("server.providers.%s.issuer is required", c.Server.Providers.Default)
		}
		if provider.ClientID == "" {
			return fmt.Errorf("server.providers.%s.client_id is required", c.Server.Providers.Default)
		}
	}

	return nil
}
