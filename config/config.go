package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the environment sets a value.
const (
	DefaultAppOrigin  = "http://localhost:5173"
	DefaultScope      = "openid email profile"
	DefaultAPIBaseURL = "http://localhost:8000"
	callbackPath      = "/auth/callback"
)

// Config is the resolved, immutable client configuration. It is computed once
// at startup and passed by value.
type Config struct {
	Cognito    CognitoConfig `yaml:"cognito" envPrefix:"COGNITO_"`
	AppOrigin  string        `yaml:"app_origin" env:"APP_ORIGIN"`
	APIBaseURL string        `yaml:"api_base_url" env:"API_BASE_URL"`
	TokenFile  string        `yaml:"token_file" env:"TOKEN_FILE"`
	LogLevel   string        `yaml:"log_level" env:"LOG_LEVEL"`
}

// CognitoConfig holds the identity provider settings.
type CognitoConfig struct {
	Domain      string `yaml:"domain" env:"DOMAIN"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	RedirectURI string `yaml:"redirect_uri" env:"REDIRECT_URI"`
	LogoutURI   string `yaml:"logout_uri" env:"LOGOUT_URI"`
	Scope       string `yaml:"scope" env:"SCOPE"`
	// Issuer enables ID token signature verification when set.
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

// EnvPrefix namespaces every environment override.
const EnvPrefix = "CEUPLANNER_"

// LoadConfig reads the optional YAML file, applies environment overrides and
// fills derived defaults. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decodeYAML(b, &cfg); err != nil {
				slog.Error("Failed to parse configuration", "error", err, "file", path)
				return Config{}, err
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	sanitized := stripYAMLComments(b)
	if len(bytes.TrimSpace(sanitized)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
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

// applyEnvOverrides overlays CEUPLANNER_* variables. Unset variables leave the
// file value untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	c.AppOrigin = strings.TrimSuffix(strings.TrimSpace(c.AppOrigin), "/")
	if c.AppOrigin == "" {
		c.AppOrigin = DefaultAppOrigin
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	c.APIBaseURL = strings.TrimSuffix(c.APIBaseURL, "/")

	c.Cognito.Domain = NormalizeDomain(c.Cognito.Domain)
	c.Cognito.ClientID = strings.TrimSpace(c.Cognito.ClientID)
	if c.Cognito.RedirectURI == "" {
		c.Cognito.RedirectURI = c.AppOrigin + callbackPath
	}
	if c.Cognito.LogoutURI == "" {
		c.Cognito.LogoutURI = c.AppOrigin
	}
	if strings.TrimSpace(c.Cognito.Scope) == "" {
		c.Cognito.Scope = DefaultScope
	}
	if c.TokenFile == "" {
		c.TokenFile = defaultTokenFile()
	}
	return c
}

// Default returns a configuration with every derived default populated.
func Default() Config {
	return Config{}.withDefaults()
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".ceuplanner", "storage.json")
	}
	return filepath.Join(dir, "ceuplanner", "storage.json")
}

// NormalizeDomain strips a scheme prefix and trailing slash so the value can
// be used as the host part of provider endpoints.
func NormalizeDomain(domain string) string {
	d := strings.TrimSpace(domain)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.TrimSuffix(d, "/")
}

// AuthConfigured reports whether both the identity domain and client id are
// present. When false the client runs anonymously.
func (c Config) AuthConfigured() bool {
	return c.Cognito.Domain != "" && c.Cognito.ClientID != ""
}

// AuthorizeEndpoint is the provider's authorization endpoint.
func (c Config) AuthorizeEndpoint() string {
	return "https://" + c.Cognito.Domain + "/oauth2/authorize"
}

// TokenEndpoint is the provider's token endpoint.
func (c Config) TokenEndpoint() string {
	return "https://" + c.Cognito.Domain + "/oauth2/token"
}

// LogoutEndpoint is the provider's hosted logout endpoint.
func (c Config) LogoutEndpoint() string {
	return "https://" + c.Cognito.Domain + "/logout"
}

// Validate performs minimal sanity checks on the config. An unconfigured
// cognito section is valid.
func (c Config) Validate() error {
	urls := []struct {
		field string
		value string
	}{
		{"app_origin", c.AppOrigin},
		{"api_base_url", c.APIBaseURL},
		{"cognito.redirect_uri", c.Cognito.RedirectURI},
		{"cognito.logout_uri", c.Cognito.LogoutURI},
	}
	if c.Cognito.Issuer != "" {
		urls = append(urls, struct {
			field string
			value string
		}{"cognito.issuer", c.Cognito.Issuer})
	}
	for _, u := range urls {
		if err := validateHTTPURL(u.value); err != nil {
			slog.Error("Invalid configuration value", "field", u.field, "value", u.value, "reason", err.Error())
			return fmt.Errorf("%s %w, got: %s", u.field, err, u.value)
		}
	}

	if (c.Cognito.Domain == "") != (c.Cognito.ClientID == "") {
		field := "cognito.client_id"
		if c.Cognito.Domain == "" {
			field = "cognito.domain"
		}
		slog.Warn("Partial identity configuration, running anonymously", "missing", field)
	}
	if strings.ContainsAny(c.Cognito.Domain, "/?#") {
		slog.Error("Invalid configuration value", "field", "cognito.domain", "value", c.Cognito.Domain, "reason", "must be a bare host name")
		return fmt.Errorf("cognito.domain must be a bare host name, got: %s", c.Cognito.Domain)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return errors.New("must start with http:// or https://")
	}
	if _, err := url.Parse(raw); err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	return nil
}

// WriteDefault writes cfg as YAML to path, creating parent directories.
func WriteDefault(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
