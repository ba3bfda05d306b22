package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider is an upstream IdP users can log in with.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, verifier string) string
	// Exchange redeems code and returns the verified id_token claims.
	Exchange(ctx context.Context, code, verifier, expectedNonce string) (map[string]any, error)
}

// OIDCProvider wraps an upstream IdP configuration and helpers.
type OIDCProvider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", name)
	}

	issuer := upstream.Issuer
	if upstream.TenantID != "" {
		if resolved, ok := resolveAzureTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := upstream.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier: op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		logger:   logger,
	}, nil
}

// AuthCodeURL constructs the upstream authorization request with a S256 PKCE challenge.
func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange and returns the id_token claims.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, expectedNonce string) (map[string]any, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return nil, fmt.Errorf("nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	// Protocol claims of the upstream token must not leak into ours.
	for _, k := range []string{"iss", "aud", "exp", "iat", "nbf", "nonce", "at_hash", "c_hash", "azp", "sid", "auth_time"} {
		delete(claims, k)
	}
	claims["sub"] = idToken.Subject
	if _, ok := claims["name"]; !ok {
		if preferred, ok := claims["preferred_username"].(string); ok {
			claims["name"] = preferred
		}
	}
	p.logger.Debug("upstream login", "provider", p.name, "sub", idToken.Subject)
	return claims, nil
}

// BuildProviders prepares all configured upstream providers.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[string]IdentityProvider, error) {
	providers := make(map[string]IdentityProvider)

	add := func(name string, upstream UpstreamProvider) error {
		if upstream.Issuer == "" || upstream.ClientID == "" {
			return nil
		}
		redirect := cfg.Issuer() + "/callback/" + name
		prov, err := NewOIDCProvider(ctx, name, upstream, redirect, logger)
		if err != nil {
			return err
		}
		providers[name] = prov
		return nil
	}

	named := map[string]UpstreamProvider{"auth0": cfg.Providers.Auth0, "entra": cfg.Providers.Entra}
	for name, upstream := range cfg.Providers.Extra {
		named[name] = upstream
	}
	for name, upstream := range named {
		if err := add(name, upstream); err != nil {
			if cfg.Server.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				continue
			}
			return nil, err
		}
	}

	if def := cfg.Providers.Default; def != "" {
		if _, ok := providers[def]; !ok {
			if !cfg.Server.DevMode {
				return nil, fmt.Errorf("default provider %s not configured", def)
			}
			logger.Warn("default provider unavailable", "provider", def)
		}
	}
	return providers, nil
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
