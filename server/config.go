package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"openidrp/openid"
	"openidrp/session"
)

// Realm modes.
const (
	ModeSSO          = "sso"
	ModeLoginService = "login_service"
)

// Hardcoded defaults
const (
	DefaultSessionTTL           = 12 * time.Hour
	DefaultSweepInterval        = time.Minute
	DefaultSSOBasePath          = "/securityRealm"
	DefaultLoginServiceBasePath = "/federatedLoginService/openid"
	googleAppsEndpoint          = "https://www.google.com/accounts/o8/site-xrds?hd="
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realm    RealmConfig    `yaml:"realm"`
	OpenID   OpenIDConfig   `yaml:"openid"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" validate:"required,url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path" validate:"required"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	MinVersion string   `yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// RealmConfig selects how users log in and which provider is trusted.
type RealmConfig struct {
	Mode string `yaml:"mode" validate:"oneof=sso login_service"`
	// Endpoint is the provider identifier used in sso mode.
	Endpoint             string      `yaml:"endpoint"`
	GoogleAppsDomain     string      `yaml:"google_apps_domain" validate:"omitempty,fqdn"`
	ClaimPolicy          string      `yaml:"claim_policy" validate:"omitempty,oneof=strict trust_provider"`
	TenantDomain         string      `yaml:"tenant_domain"`
	TenantDiscoveryURL   string      `yaml:"tenant_discovery_url" validate:"omitempty,url"`
	AllowSignup          bool        `yaml:"allow_signup"`
	LoginServiceEnabled  bool        `yaml:"login_service_enabled"`
	SSOBasePath          string      `yaml:"sso_base_path"`
	LoginServiceBasePath string      `yaml:"login_service_base_path"`
	Teams                TeamsConfig `yaml:"teams"`
	AllowIdentifiers     []string    `yaml:"allow_identifiers"`
	DenyIdentifiers      []string    `yaml:"deny_identifiers"`
}

// TeamsConfig controls the team membership extension.
type TeamsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Query   []string `yaml:"query"`
}

// OpenIDConfig tunes the protocol layer.
type OpenIDConfig struct {
	Association           string        `yaml:"association" validate:"omitempty,oneof=HMAC-SHA256 HMAC-SHA1 none"`
	HTTPTimeout           time.Duration `yaml:"http_timeout" validate:"gte=0"`
	MaxRedirects          int           `yaml:"max_redirects" validate:"gte=0"`
	NonceMaxAge           time.Duration `yaml:"nonce_max_age" validate:"gte=0"`
	AssociationDefaultTTL time.Duration `yaml:"association_default_ttl" validate:"gte=0"`
	DiscoveryCacheSize    int           `yaml:"discovery_cache_size" validate:"gte=0"`
	DiscoveryCacheTTL     time.Duration `yaml:"discovery_cache_ttl" validate:"gte=0"`
	PendingTTL            time.Duration `yaml:"pending_ttl" validate:"gte=0"`
	SweepInterval         time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// SessionsConfig controls authenticated browser sessions.
type SessionsConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// StorageConfig selects the backing stores. Empty values keep everything
// in memory.
type StorageConfig struct {
	RedisURL   string `yaml:"redis_url" validate:"omitempty,url"`
	AccountsDB string `yaml:"accounts_db"`
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

		// Strict decoding surfaces typos and retired keys.
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
				MinVersion: "1.2",
				HSTSMaxAge: 63072000,
			},
		},
		Realm: RealmConfig{
			Mode:                 ModeSSO,
			Endpoint:             "http://127.0.0.1:9090/",
			ClaimPolicy:          openid.PolicyStrict,
			AllowSignup:          true,
			LoginServiceEnabled:  true,
			SSOBasePath:          DefaultSSOBasePath,
			LoginServiceBasePath: DefaultLoginServiceBasePath,
			Teams:                TeamsConfig{Enabled: true},
		},
		OpenID: OpenIDConfig{
			Association:           openid.AssocHMACSHA256,
			HTTPTimeout:           openid.DefaultHTTPTimeout,
			MaxRedirects:          openid.DefaultMaxRedirects,
			NonceMaxAge:           openid.DefaultNonceMaxAge,
			AssociationDefaultTTL: openid.DefaultAssociationTTL,
			DiscoveryCacheSize:    256,
			DiscoveryCacheTTL:     openid.DefaultDiscoveryCacheTTL,
			PendingTTL:            session.DefaultPendingTTL,
			SweepInterval:         DefaultSweepInterval,
		},
		Sessions: SessionsConfig{TTL: DefaultSessionTTL},
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
		"OPENIDRP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OPENIDRP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OPENIDRP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OPENIDRP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OPENIDRP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OPENIDRP_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"OPENIDRP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OPENIDRP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OPENIDRP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OPENIDRP_REALM_MODE":               func(v string) { cfg.Realm.Mode = v },
		"OPENIDRP_REALM_ENDPOINT":           func(v string) { cfg.Realm.Endpoint = v },
		"OPENIDRP_REALM_GOOGLE_APPS_DOMAIN": func(v string) { cfg.Realm.GoogleAppsDomain = v },
		"OPENIDRP_REALM_ALLOW_SIGNUP":       func(v string) { cfg.Realm.AllowSignup = parseBool(v, cfg.Realm.AllowSignup) },
		"OPENIDRP_REALM_TEAMS":              func(v string) { cfg.Realm.Teams.Query = splitAndTrim(v) },
		"OPENIDRP_OPENID_ASSOCIATION":       func(v string) { cfg.OpenID.Association = v },
		"OPENIDRP_OPENID_HTTP_TIMEOUT":      func(v string) { cfg.OpenID.HTTPTimeout = parseDuration(v, cfg.OpenID.HTTPTimeout) },
		"OPENIDRP_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"OPENIDRP_STORAGE_REDIS_URL":        func(v string) { cfg.Storage.RedisURL = v },
		"OPENIDRP_STORAGE_ACCOUNTS_DB":      func(v string) { cfg.Storage.AccountsDB = v },
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

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		return name
	})
	return v
}

// Validate runs the struct tag rules and then the cross-field checks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
			slog.Error("Invalid configuration value", "field", field, "value", fe.Value(), "rule", fe.Tag())
			return fmt.Errorf("%s: failed %q rule (value %v)", field, fe.Tag(), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.CookieDomain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Realm.Mode == ModeSSO && c.Realm.Endpoint == "" && c.Realm.GoogleAppsDomain == "" {
		slog.Error("Missing required configuration", "field", "realm.endpoint", "reason", "sso mode needs an endpoint or google_apps_domain")
		return errors.New("realm.endpoint or realm.google_apps_domain is required in sso mode")
	}

	if c.Realm.ClaimPolicy == openid.PolicyTrustProvider && c.Realm.TenantDomain == "" {
		slog.Error("Missing required configuration", "field", "realm.tenant_domain", "reason", "required by the trust_provider claim policy")
		return errors.New("realm.tenant_domain is required with claim_policy trust_provider")
	}

	for field, p := range map[string]string{
		"realm.sso_base_path":           c.Realm.SSOBasePath,
		"realm.login_service_base_path": c.Realm.LoginServiceBasePath,
	} {
		if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
			slog.Error("Invalid configuration value", "field", field, "value", p, "reason", "must start with / and not end with /")
			return fmt.Errorf("%s must start with / and not end with /, got: %q", field, p)
		}
	}

	if _, err := c.Realm.identifierFilter(); err != nil {
		slog.Error("Invalid identifier pattern", "error", err)
		return err
	}

	return nil
}

// ProviderIdentifier is the identifier discovered in sso mode.
func (r RealmConfig) ProviderIdentifier() string {
	if r.GoogleAppsDomain != "" {
		return googleAppsEndpoint + url.QueryEscape(r.GoogleAppsDomain)
	}
	return r.Endpoint
}

// claimPolicy returns the policy name and tenant domain in force. A Google
// Apps domain always trusts the provider for that domain.
func (r RealmConfig) claimPolicy() (policy, tenant string) {
	if r.GoogleAppsDomain != "" {
		return openid.PolicyTrustProvider, r.GoogleAppsDomain
	}
	return r.ClaimPolicy, r.TenantDomain
}

// identifierFilter compiles the allow and deny lists.
func (r RealmConfig) identifierFilter() (*IdentifierFilter, error) {
	f := &IdentifierFilter{}
	for _, p := range r.AllowIdentifiers {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("realm.allow_identifiers: %q: %w", p, err)
		}
		f.allow = append(f.allow, re)
	}
	for _, p := range r.DenyIdentifiers {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("realm.deny_identifiers: %q: %w", p, err)
		}
		f.deny = append(f.deny, re)
	}
	return f, nil
}

// IdentifierFilter holds the identifier allow and deny lists.
type IdentifierFilter struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// Allowed reports whether a normalized identifier may be used. A non-empty
// allow list must match; any deny match rejects.
func (f *IdentifierFilter) Allowed(identifier string) bool {
	if len(f.allow) > 0 {
		matched := false
		for _, re := range f.allow {
			if re.MatchString(identifier) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range f.deny {
		if re.MatchString(identifier) {
			return false
		}
	}
	return true
}
