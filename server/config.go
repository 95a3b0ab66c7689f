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

// Hardcoded launch and session defaults
const (
	DefaultScope      = "launch/patient patient/*.read"
	DefaultLaunchTTL  = 10 * time.Minute
	DefaultSessionTTL = 12 * time.Hour
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server  ServerConfig     `yaml:"server"`
	Launch  LaunchConfig     `yaml:"launch"`
	Issuers []IssuerOverride `yaml:"issuers"`
	Clients []ClientMapping  `yaml:"clients"`
	Redis   RedisConfig      `yaml:"redis"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// LaunchConfig controls the SMART launch handshake.
type LaunchConfig struct {
	DefaultClientID string `yaml:"default_client_id"`
	Scope           string `yaml:"scope"`
	RedirectPath    string `yaml:"redirect_path"`
	// Validity window for the in-flight state/verifier pair; a callback
	// arriving after this is treated as an expired session.
	StateTTL   string `yaml:"state_ttl"`
	SessionTTL string `yaml:"session_ttl"`
}

// IssuerOverride pins the endpoints for a known issuer hostname, bypassing
// well-known discovery. Entries here encode trust decisions and should be
// reviewed, not inferred.
type IssuerOverride struct {
	Hostname              string `yaml:"hostname"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
}

// ClientMapping registers the OAuth client id to present to a given issuer
// hostname.
type ClientMapping struct {
	Hostname string `yaml:"hostname"`
	ClientID string `yaml:"client_id"`
}

// RedisConfig selects the redis-backed launch store when Addr is set;
// otherwise state is kept in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedirectURL is the registered OAuth redirect URI. It must be computed
// identically at initiation and at token-exchange time.
func (c Config) RedirectURL() string {
	path := c.Launch.RedirectPath
	if path == "" {
		path = "/callback"
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + path
}

// StateTTL returns the parsed in-flight validity window.
func (c Config) StateTTL() time.Duration {
	return parseDuration(c.Launch.StateTTL, DefaultLaunchTTL)
}

// SessionTTL returns the parsed authenticated-session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Launch.SessionTTL, DefaultSessionTTL)
}

// Scope returns the scope string requested at authorization time.
func (c Config) Scope() string {
	if c.Launch.Scope == "" {
		return DefaultScope
	}
	return c.Launch.Scope
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

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
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
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				HSTSMaxAge: 31536000,
			},
		},
		Launch: LaunchConfig{
			DefaultClientID: "smart-dashboard-local",
			Scope:           DefaultScope,
			RedirectPath:    "/callback",
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
		"SMARTDASH_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SMARTDASH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SMARTDASH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SMARTDASH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SMARTDASH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SMARTDASH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SMARTDASH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SMARTDASH_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"SMARTDASH_LAUNCH_DEFAULT_CLIENT_ID": func(v string) { cfg.Launch.DefaultClientID = v },
		"SMARTDASH_LAUNCH_SCOPE":             func(v string) { cfg.Launch.Scope = v },
		"SMARTDASH_LAUNCH_STATE_TTL":         func(v string) { cfg.Launch.StateTTL = v },
		"SMARTDASH_LAUNCH_SESSION_TTL":       func(v string) { cfg.Launch.SessionTTL = v },
		"SMARTDASH_REDIS_ADDR":               func(v string) { cfg.Redis.Addr = v },
		"SMARTDASH_REDIS_PASSWORD":           func(v string) { cfg.Redis.Password = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
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

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Launch.DefaultClientID == "" {
		slog.Error("Missing required configuration", "field", "launch.default_client_id")
		return errors.New("launch.default_client_id is required")
	}

	if c.Launch.StateTTL != "" {
		if _, err := time.ParseDuration(c.Launch.StateTTL); err != nil {
			return fmt.Errorf("launch.state_ttl is not a duration: %w", err)
		}
	}
	if c.Launch.SessionTTL != "" {
		if _, err := time.ParseDuration(c.Launch.SessionTTL); err != nil {
			return fmt.Errorf("launch.session_ttl is not a duration: %w", err)
		}
	}

	for _, iss := range c.Issuers {
		if iss.Hostname == "" || iss.AuthorizationEndpoint == "" || iss.TokenEndpoint == "" {
			return fmt.Errorf("issuer override for %q must set hostname and both endpoints", iss.Hostname)
		}
	}
	for _, cm := range c.Clients {
		if cm.Hostname == "" || cm.ClientID == "" {
			return fmt.Errorf("client mapping for %q must set hostname and client_id", cm.Hostname)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	return nil
}
