package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"idserver/jwtkit"
	"idserver/oauth"
)

// Hardcoded token and session defaults
const (
	DefaultAccessTTL    = time.Hour
	DefaultRefreshTTL   = 24 * time.Hour
	DefaultIDTokenTTL   = time.Hour
	DefaultCodeTTL      = 5 * time.Minute
	DefaultSessionTTL   = 12 * time.Hour
	DefaultJWKSCacheTTL = 5 * time.Minute
	DefaultKeyRotation  = 30 * 24 * time.Hour
)

// Storage drivers
const (
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server         ServerConfig          `yaml:"server"`
	Tokens         TokenConfig           `yaml:"tokens"`
	Keys           KeyConfig             `yaml:"keys"`
	Storage        StorageConfig         `yaml:"storage"`
	Clients        []ClientConfig        `yaml:"clients"`
	Scopes         []ScopeConfig         `yaml:"scopes"`
	ResourceOwners []ResourceOwnerConfig `yaml:"resource_owners"`
	Providers      ProviderConfig        `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string        `yaml:"public_url"`
	DevListenAddr     string        `yaml:"dev_listen_addr"`
	HTTPListenAddr    string        `yaml:"http_listen_addr"`
	HTTPSListenAddr   string        `yaml:"https_listen_addr"`
	DevMode           bool          `yaml:"dev_mode"`
	CookieDomain      string        `yaml:"cookie_domain"`
	SecretsPath       string        `yaml:"secrets_path"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	JWKSCacheTTL      time.Duration `yaml:"jwks_cache_ttl"`
	Registration      bool          `yaml:"registration"`
	TLS               TLSConfig     `yaml:"tls"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// TokenConfig sets token lifetimes and the default id_token algorithm.
type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	IDTokenTTL time.Duration `yaml:"id_token_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
	IDTokenAlg string        `yaml:"id_token_alg"`
}

// KeyConfig controls the server key store.
type KeyConfig struct {
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	KeySize        int           `yaml:"key_size"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig is the connection of the redis driver.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ClientConfig describes a statically registered relying party.
type ClientConfig struct {
	ClientID                     string   `yaml:"client_id"`
	ClientName                   string   `yaml:"client_name"`
	ClientSecret                 string   `yaml:"client_secret"`
	RedirectURIs                 []string `yaml:"redirect_uris"`
	Scopes                       []string `yaml:"scopes"`
	GrantTypes                   []string `yaml:"grant_types"`
	ResponseTypes                []string `yaml:"response_types"`
	ApplicationType              string   `yaml:"application_type"`
	TokenEndpointAuthMethod      string   `yaml:"token_endpoint_auth_method"`
	RequirePKCE                  bool     `yaml:"require_pkce"`
	JwksURI                      string   `yaml:"jwks_uri"`
	IDTokenSignedResponseAlg     string   `yaml:"id_token_signed_response_alg"`
	IDTokenEncryptedResponseAlg  string   `yaml:"id_token_encrypted_response_alg"`
	IDTokenEncryptedResponseEnc  string   `yaml:"id_token_encrypted_response_enc"`
	UserInfoSignedResponseAlg    string   `yaml:"userinfo_signed_response_alg"`
	UserInfoEncryptedResponseAlg string   `yaml:"userinfo_encrypted_response_alg"`
	UserInfoEncryptedResponseEnc string   `yaml:"userinfo_encrypted_response_enc"`
	DefaultMaxAge                int64    `yaml:"default_max_age"`
}

// ScopeConfig describes a scope and the claims it releases.
type ScopeConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	OpenID      bool     `yaml:"openid"`
	Exposed     bool     `yaml:"exposed"`
	Claims      []string `yaml:"claims"`
}

// ResourceOwnerConfig is a local account. Password is hashed with bcrypt at
// load time; PasswordHash is used as is.
type ResourceOwnerConfig struct {
	Login        string         `yaml:"login"`
	Password     string         `yaml:"password"`
	PasswordHash string         `yaml:"password_hash"`
	Claims       map[string]any `yaml:"claims"`
}

// ProviderConfig groups upstream providers.
type ProviderConfig struct {
	Default string                      `yaml:"default"`
	Auth0   UpstreamProvider            `yaml:"auth0"`
	Entra   UpstreamProvider            `yaml:"entra"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TenantID     string   `yaml:"tenant_id"`
	Scopes       []string `yaml:"scopes"`
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
			SessionTTL:      DefaultSessionTTL,
			JWKSCacheTTL:    DefaultJWKSCacheTTL,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		Tokens: TokenConfig{
			AccessTTL:  DefaultAccessTTL,
			RefreshTTL: DefaultRefreshTTL,
			IDTokenTTL: DefaultIDTokenTTL,
			CodeTTL:    DefaultCodeTTL,
			IDTokenAlg: string(jwtkit.JwsRS256),
		},
		Keys: KeyConfig{
			RotateInterval: DefaultKeyRotation,
		},
		Storage: StorageConfig{
			Driver: StorageDriverMemory,
			Redis:  RedisConfig{Addr: "127.0.0.1:6379", KeyPrefix: "idserver:"},
		},
		Scopes: []ScopeConfig{
			{Name: "openid", OpenID: true, Exposed: true, Claims: []string{oauth.ClaimSubject}},
			{Name: "profile", OpenID: true, Exposed: true, Claims: []string{
				oauth.ClaimName, oauth.ClaimGivenName, oauth.ClaimFamilyName, oauth.ClaimPreferredUserName,
				oauth.ClaimPicture, oauth.ClaimLocale, oauth.ClaimUpdatedAt,
			}},
			{Name: "email", OpenID: true, Exposed: true, Claims: []string{oauth.ClaimEmail, oauth.ClaimEmailVerified}},
			{Name: "phone", OpenID: true, Exposed: true, Claims: []string{oauth.ClaimPhoneNumber, oauth.ClaimPhoneNumberVerified}},
			{Name: "address", OpenID: true, Exposed: true, Claims: []string{oauth.ClaimAddress}},
		},
		Providers: ProviderConfig{
			Entra: UpstreamProvider{
				Issuer: "https://login.microsoftonline.com/common/v2.0",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// JWKSPath is where the key store persists keys: keys.jwks_path, or
// jwks.json under the secrets directory.
func (c Config) JWKSPath() string {
	if c.Keys.JWKSPath != "" {
		return c.Keys.JWKSPath
	}
	if c.Server.SecretsPath == "" {
		return ""
	}
	return strings.TrimSuffix(c.Server.SecretsPath, "/") + "/jwks.json"
}

// Issuer is the public URL without a trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
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
		"IDSERVER_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"IDSERVER_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"IDSERVER_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"IDSERVER_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"IDSERVER_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IDSERVER_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"IDSERVER_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"IDSERVER_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"IDSERVER_SERVER_SESSION_TTL":       func(v string) { cfg.Server.SessionTTL = parseDuration(v, cfg.Server.SessionTTL) },
		"IDSERVER_SERVER_REGISTRATION":      func(v string) { cfg.Server.Registration = parseBool(v, cfg.Server.Registration) },
		"IDSERVER_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"IDSERVER_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"IDSERVER_KEYS_JWKS_PATH":           func(v string) { cfg.Keys.JWKSPath = v },
		"IDSERVER_KEYS_ROTATE_INTERVAL":     func(v string) { cfg.Keys.RotateInterval = parseDuration(v, cfg.Keys.RotateInterval) },
		"IDSERVER_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"IDSERVER_STORAGE_REDIS_ADDR":       func(v string) { cfg.Storage.Redis.Addr = v },
		"IDSERVER_STORAGE_REDIS_PASSWORD":   func(v string) { cfg.Storage.Redis.Password = v },
		"IDSERVER_STORAGE_REDIS_DB":         func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
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

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
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
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		host := ""
		if u, err := url.Parse(c.Server.PublicURL); err == nil {
			host = u.Hostname()
		}
		// e.g. public_url: id.dev.example.com -> cookie_domain: .dev.example.com
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

	if c.Tokens.AccessTTL <= 0 {
		return errors.New("tokens.access_ttl must be positive")
	}
	if c.Tokens.IDTokenAlg != "" && !jwtkit.IsSupportedJwsAlg(c.Tokens.IDTokenAlg) {
		return fmt.Errorf("tokens.id_token_alg %q is not supported", c.Tokens.IDTokenAlg)
	}

	switch c.Storage.Driver {
	case "", StorageDriverMemory:
	case StorageDriverRedis:
		if c.Storage.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "storage.redis.addr")
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'redis', got: %s", c.Storage.Driver)
	}

	if len(c.Clients) == 0 && !c.Server.Registration {
		slog.Error("No clients configured", "reason", "at least one client must be configured unless dynamic registration is enabled")
		return errors.New("at least one client must be configured (or enable server.registration)")
	}
	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if err := validateClientConfig(i, client); err != nil {
			return err
		}
		if seen[client.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %s", i, client.ClientID)
		}
		seen[client.ClientID] = true
	}

	for i, owner := range c.ResourceOwners {
		if owner.Login == "" {
			return fmt.Errorf("resource_owners[%d]: login is required", i)
		}
		if owner.Password == "" && owner.PasswordHash == "" {
			return fmt.Errorf("resource_owners[%d] (%s): password or password_hash is required", i, owner.Login)
		}
	}

	if !c.Server.DevMode && c.Providers.Default == "" && len(c.ResourceOwners) == 0 {
		slog.Error("Missing required provider configuration", "field", "providers.default", "reason", "no local accounts and no upstream provider")
		return errors.New("providers.default or resource_owners is required in production mode")
	}

	if c.Providers.Default != "" {
		provider := c.Provider(c.Providers.Default)
		if provider == nil {
			slog.Error("Default provider not found", "default_provider", c.Providers.Default)
			return fmt.Errorf("providers.default '%s' is not configured (check providers.auth0, providers.entra, or providers.extra)", c.Providers.Default)
		}
		if provider.Issuer == "" {
			return fmt.Errorf("providers.%s.issuer is required", c.Providers.Default)
		}
		if provider.ClientID == "" {
			return fmt.Errorf("providers.%s.client_id is required", c.Providers.Default)
		}
	}

	return nil
}

func validateClientConfig(i int, client ClientConfig) error {
	if client.ClientID == "" {
		slog.Error("Client missing client_id", "index", i)
		return fmt.Errorf("clients[%d]: client_id is required", i)
	}
	if len(client.RedirectURIs) == 0 && !onlyClientCredentials(client.GrantTypes) {
		slog.Error("Client missing redirect URIs", "client_id", client.ClientID, "index", i)
		return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
	}
	for j, uri := range client.RedirectURIs {
		if !isSafeRedirectURI(uri) {
			slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j)
			return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] is not a safe http(s) URL: %s", i, client.ClientID, j, uri)
		}
	}
	switch method := authMethod(client); method {
	case oauth.AuthMethodClientSecretBasic, oauth.AuthMethodClientSecretPost, oauth.AuthMethodClientSecretJWT:
		if client.ClientSecret == "" {
			return fmt.Errorf("clients[%d] (%s): client_secret is required for %s", i, client.ClientID, method)
		}
	case oauth.AuthMethodPrivateKeyJWT:
		if client.JwksURI == "" {
			return fmt.Errorf("clients[%d] (%s): jwks_uri is required for %s", i, client.ClientID, method)
		}
	case oauth.AuthMethodNone:
	default:
		return fmt.Errorf("clients[%d] (%s): unknown token_endpoint_auth_method %s", i, client.ClientID, method)
	}
	return nil
}

func onlyClientCredentials(grants []string) bool {
	return len(grants) == 1 && grants[0] == string(oauth.GrantTypeClientCredentials)
}

// Provider returns the upstream provider configured under name, or nil.
func (c Config) Provider(name string) *UpstreamProvider {
	switch name {
	case "auth0":
		return &c.Providers.Auth0
	case "entra":
		return &c.Providers.Entra
	default:
		if p, ok := c.Providers.Extra[name]; ok {
			return &p
		}
		return nil
	}
}

// InferCORSOrigins extracts allowed origins from client redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(raw string) string {
	if raw == "" || raw == "*" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
