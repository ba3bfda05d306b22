// Package client lets resource servers accept access tokens minted by idserver.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultCacheTTL = 5 * time.Minute

var (
	// ErrInvalidToken is returned for tokens that are malformed, expired,
	// foreign or revoked.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInsufficientScope is returned when a valid token lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	// Issuer is the idserver public URL. It must match the iss claim.
	Issuer string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json".
	JWKSURL string
	// Audiences, when set, must intersect the aud claim.
	Audiences  []string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	// IntrospectionURL enables the revocation check of Check. The client
	// authenticates with HTTP basic.
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
}

// Validator verifies idserver-signed JWT access tokens.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	logger *slog.Logger
	parser *jwt.Parser

	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// Claims is the validated content of an access token. Subject is empty for
// client_credentials tokens.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// HasScopes reports whether every required scope was granted.
func (c *Claims) HasScopes(required ...string) bool {
	for _, need := range required {
		if !slices.Contains(c.Scopes, need) {
			return false
		}
	}
	return true
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	if cfg.JWKSURL == "" && cfg.Issuer != "" {
		cfg.JWKSURL = cfg.Issuer + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Validator{cfg: cfg, client: client, logger: logger, parser: jwt.NewParser(opts...)}
}

// Validate verifies the signature and registered claims of rawToken against
// the issuer's published keys.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidToken)
	}

	mc := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.verificationKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := toClaims(mc)
	if len(v.cfg.Audiences) > 0 && !intersects(claims.Audiences, v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience rejected", ErrInvalidToken)
	}
	return claims, nil
}

// Check validates rawToken and, when introspection is configured, asks the
// issuer whether it is still active. Revoked tokens are rejected.
func (v *Validator) Check(ctx context.Context, rawToken string) (*Claims, error) {
	claims, err := v.Validate(ctx, rawToken)
	if err != nil || v.cfg.IntrospectionURL == "" {
		return claims, err
	}
	result, err := v.Introspect(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if !result.Active {
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Validator) verificationKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, errors.New("kid header missing")
	}
	set, err := v.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0].Key, nil
	}
	// The issuer may have rotated since the last fetch.
	set, err = v.keySet(ctx, true)
	if err != nil {
		return nil, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0].Key, nil
	}
	return nil, fmt.Errorf("signing key %s not found", kid)
}

func (v *Validator) keySet(ctx context.Context, refresh bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()
	if !refresh && cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
	case http.StatusOK:
		var set jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
		}
		cache = jwksCache{
			set:     set,
			etag:    resp.Header.Get("ETag"),
			expires: time.Now().Add(maxAge(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
		}
		v.logger.Debug("jwks refreshed", "url", v.cfg.JWKSURL, "keys", len(set.Keys))
	default:
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()
	return cache.set, nil
}

// IntrospectionResult is the RFC 7662 response of the issuer.
type IntrospectionResult struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Introspect asks the issuer's introspection endpoint about token.
func (v *Validator) Introspect(ctx context.Context, token string) (*IntrospectionResult, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection not configured")
	}
	form := url.Values{"token": {token}, "token_type_hint": {"access_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// RFC 6749 2.3.1: the credentials are form-urlencoded before base64.
	req.SetBasicAuth(url.QueryEscape(v.cfg.ClientID), url.QueryEscape(v.cfg.ClientSecret))

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspect: %s", resp.Status)
	}
	var result IntrospectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	return &result, nil
}

// RequireAuth validates the bearer token of each request and stores the
// claims in the request context. Failures follow RFC 6750 section 3.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := v.Check(r.Context(), strings.TrimSpace(token))
			if err != nil {
				v.logger.Info("access token rejected", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !claims.HasScopes(requiredScopes...) {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, strings.Join(requiredScopes, " ")))
				http.Error(w, ErrInsufficientScope.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

type claimsKey struct{}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func toClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{}
	c.Subject, _ = mc.GetSubject()
	c.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		c.Audiences = aud
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	scope, _ := mc["scope"].(string)
	c.Scopes = strings.Fields(scope)
	c.ClientID, _ = mc["client_id"].(string)
	c.TokenID, _ = mc["jti"].(string)
	return c
}

func intersects(have, want []string) bool {
	for _, a := range have {
		if slices.Contains(want, a) {
			return true
		}
	}
	return false
}

func maxAge(cacheControl string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
