package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
tokens:
  access_ttl: 10m
clients:
  - client_id: web
    client_secret: s3cret
    redirect_uris: ["http://localhost/callback"]
    scopes: ["openid", "profile"]
`)
	t.Setenv("IDSERVER_SERVER_PUBLIC_URL", "https://id.example.com/")
	t.Setenv("IDSERVER_STORAGE_REDIS_DB", "3")
	t.Setenv("IDSERVER_TOKENS_REFRESH_TTL", "2h")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://id.example.com/", cfg.Server.PublicURL)
	assert.Equal(t, "https://id.example.com", cfg.Issuer())
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, 10*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 2*time.Hour, cfg.Tokens.RefreshTTL)
	assert.Equal(t, DefaultCodeTTL, cfg.Tokens.CodeTTL)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "web", cfg.Clients[0].ClientID)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  unknown_field: value
clients:
  - client_id: web
    redirect_uris: ["http://localhost/callback"]
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadConfigIgnoresCommentLines(t *testing.T) {
	path := writeConfig(t, `# idserver
server:
  # local only
  public_url: http://localhost:8080
clients:
  - client_id: web
    redirect_uris: ["http://localhost/callback"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Server.PublicURL)
}

func TestDefaultConfigScopes(t *testing.T) {
	cfg := DefaultConfig()
	var names []string
	for _, s := range cfg.Scopes {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"openid", "profile", "email", "phone", "address"}, names)
	assert.Equal(t, ".secrets/jwks.json", cfg.JWKSPath())

	cfg.Keys.JWKSPath = "/var/lib/idserver/keys.json"
	assert.Equal(t, "/var/lib/idserver/keys.json", cfg.JWKSPath())
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Clients = []ClientConfig{{
		ClientID:     "web",
		ClientSecret: "s3cret",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"openid"},
	}}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing public url",
			mutate:  func(c *Config) { c.Server.PublicURL = "" },
			wantErr: "server.public_url is required",
		},
		{
			name:    "public url scheme",
			mutate:  func(c *Config) { c.Server.PublicURL = "ftp://id.example.com" },
			wantErr: "must start with http:// or https://",
		},
		{
			name:    "tls version",
			mutate:  func(c *Config) { c.Server.TLS.MinVersion = "1.1" },
			wantErr: "server.tls.min_version",
		},
		{
			name: "cookie domain mismatch",
			mutate: func(c *Config) {
				c.Server.PublicURL = "https://id.example.com"
				c.Server.CookieDomain = ".other.com"
			},
			wantErr: "server.cookie_domain",
		},
		{
			name: "cookie domain suffix",
			mutate: func(c *Config) {
				c.Server.PublicURL = "https://id.dev.example.com"
				c.Server.CookieDomain = ".dev.example.com"
			},
		},
		{
			name:    "access ttl",
			mutate:  func(c *Config) { c.Tokens.AccessTTL = 0 },
			wantErr: "tokens.access_ttl",
		},
		{
			name:    "id token alg",
			mutate:  func(c *Config) { c.Tokens.IDTokenAlg = "XS256" },
			wantErr: "tokens.id_token_alg",
		},
		{
			name:    "storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "bolt" },
			wantErr: "storage.driver",
		},
		{
			name:    "redis addr",
			mutate:  func(c *Config) { c.Storage.Driver = "redis"; c.Storage.Redis.Addr = "" },
			wantErr: "storage.redis.addr",
		},
		{
			name:    "no clients",
			mutate:  func(c *Config) { c.Clients = nil },
			wantErr: "at least one client",
		},
		{
			name:   "no clients with registration",
			mutate: func(c *Config) { c.Clients = nil; c.Server.Registration = true },
		},
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.Clients[0].ClientID = "" },
			wantErr: "client_id is required",
		},
		{
			name:    "duplicate client",
			mutate:  func(c *Config) { c.Clients = append(c.Clients, c.Clients[0]) },
			wantErr: "duplicate client_id web",
		},
		{
			name:    "unsafe redirect",
			mutate:  func(c *Config) { c.Clients[0].RedirectURIs = []string{"javascript:alert(1)"} },
			wantErr: "redirect_uris[0]",
		},
		{
			name:    "missing redirect",
			mutate:  func(c *Config) { c.Clients[0].RedirectURIs = nil },
			wantErr: "at least one redirect_uri",
		},
		{
			name: "service client without redirect",
			mutate: func(c *Config) {
				c.Clients[0].RedirectURIs = nil
				c.Clients[0].GrantTypes = []string{"client_credentials"}
			},
		},
		{
			name:    "post without secret",
			mutate:  func(c *Config) { c.Clients[0].ClientSecret = ""; c.Clients[0].TokenEndpointAuthMethod = "client_secret_post" },
			wantErr: "client_secret is required",
		},
		{
			name:    "private key without jwks",
			mutate:  func(c *Config) { c.Clients[0].TokenEndpointAuthMethod = "private_key_jwt" },
			wantErr: "jwks_uri is required",
		},
		{
			name:    "unknown auth method",
			mutate:  func(c *Config) { c.Clients[0].TokenEndpointAuthMethod = "mtls" },
			wantErr: "unknown token_endpoint_auth_method",
		},
		{
			name:    "owner without password",
			mutate:  func(c *Config) { c.ResourceOwners = []ResourceOwnerConfig{{Login: "alice"}} },
			wantErr: "password or password_hash is required",
		},
		{
			name:    "production without login",
			mutate:  func(c *Config) { c.Server.DevMode = false },
			wantErr: "providers.default or resource_owners",
		},
		{
			name: "production with local accounts",
			mutate: func(c *Config) {
				c.Server.DevMode = false
				c.ResourceOwners = []ResourceOwnerConfig{{Login: "alice", Password: "pw"}}
			},
		},
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.Providers.Default = "okta" },
			wantErr: "providers.default 'okta' is not configured",
		},
		{
			name:    "default provider without client",
			mutate:  func(c *Config) { c.Providers.Default = "entra" },
			wantErr: "providers.entra.client_id is required",
		},
		{
			name: "extra provider",
			mutate: func(c *Config) {
				c.Providers.Default = "corp"
				c.Providers.Extra = map[string]UpstreamProvider{"corp": {Issuer: "https://sso.corp.example", ClientID: "idserver"}}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitAndTrim(" a , ,b,, c "))
}

func TestParseHelpersFallback(t *testing.T) {
	assert.True(t, parseBool("", true))
	assert.False(t, parseBool("invalid", false))
	assert.True(t, parseBool("YES", false))
	assert.False(t, parseBool("0", true))

	assert.Equal(t, 5*time.Minute, parseDuration("bogus", 5*time.Minute))
	assert.Equal(t, 30*time.Second, parseDuration("30s", 5*time.Minute))

	assert.Equal(t, 7, parseInt("x", 7))
	assert.Equal(t, 2, parseInt(" 2 ", 7))
}

func TestInferCORSOrigins(t *testing.T) {
	cfg := Config{Clients: []ClientConfig{
		{RedirectURIs: []string{"http://localhost:3000/callback", "http://localhost:3001/auth"}},
		{RedirectURIs: []string{"https://app.example.com/callback", "http://localhost:3000/other"}},
		{RedirectURIs: []string{"*", "not a url"}},
	}}
	assert.Equal(t, []string{
		"http://localhost:3000",
		"http://localhost:3001",
		"https://app.example.com",
	}, cfg.InferCORSOrigins())
}

func TestExtractOrigin(t *testing.T) {
	tests := map[string]string{
		"https://app.example.com:8443/cb?x=1": "https://app.example.com:8443",
		"http://localhost/callback":           "http://localhost",
		"":                                    "",
		"*":                                   "",
		"/relative/path":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, extractOrigin(in), in)
	}
}
