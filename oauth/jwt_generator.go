package oauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"
	"time"

	"idserver/jwtkit"
)

// DefaultAcr is the acr value written when the principal carries none.
const DefaultAcr = "openid.pape.auth_level.ns.password=1"

// DefaultAmr is the amr value written when the principal carries none.
var DefaultAmr = []string{"password"}

// JwtGeneratorConfig configures a JwtGenerator.
type JwtGeneratorConfig struct {
	Issuer          string
	IDTokenLifetime time.Duration
	DefaultSignAlg  jwtkit.JwsAlg
}

// JwtGenerator builds id_token and userinfo payloads and serialises them.
type JwtGenerator struct {
	issuer     string
	lifetime   time.Duration
	defaultAlg jwtkit.JwsAlg
	scopes     ScopeRepository
	keys       KeyRepository
	fetcher    *JwksFetcher
	jws        jwtkit.JwsGenerator
	jwe        jwtkit.JweGenerator
	now        func() time.Time
}

// NewJwtGenerator constructs a JwtGenerator.
func NewJwtGenerator(cfg JwtGeneratorConfig, scopes ScopeRepository, keys KeyRepository, fetcher *JwksFetcher) *JwtGenerator {
	if cfg.IDTokenLifetime <= 0 {
		cfg.IDTokenLifetime = time.Hour
	}
	if cfg.DefaultSignAlg == "" {
		cfg.DefaultSignAlg = jwtkit.JwsRS256
	}
	if fetcher == nil {
		fetcher = NewJwksFetcher(nil, 0)
	}
	return &JwtGenerator{
		issuer:     cfg.Issuer,
		lifetime:   cfg.IDTokenLifetime,
		defaultAlg: cfg.DefaultSignAlg,
		scopes:     scopes,
		keys:       keys,
		fetcher:    fetcher,
		now:        time.Now,
	}
}

// Issuer returns the iss value written into tokens.
func (g *JwtGenerator) Issuer() string { return g.issuer }

// GenerateIDTokenPayloadForScopes builds an id_token payload with the
// mandatory claims and the claims released by the requested scopes.
func (g *JwtGenerator) GenerateIDTokenPayloadForScopes(ctx context.Context, principal Principal, param *AuthorizationParameter) (jwtkit.Payload, error) {
	if err := checkPrincipalAndParam(principal, param); err != nil {
		return nil, err
	}
	payload := jwtkit.Payload{}
	if err := g.fillInIdentityTokenClaims(payload, param, nil, principal); err != nil {
		return nil, err
	}
	claims, err := g.claimsFromScopes(ctx, ParseScopes(param.Scope), principal)
	if err != nil {
		return nil, err
	}
	for k, v := range claims {
		payload[k] = v
	}
	payload[jwtkit.ClaimSubject] = principal.Subject()
	return payload, nil
}

// GenerateFilteredIDTokenPayload builds an id_token payload from an explicit
// claims request. Every requested claim is checked against the principal;
// sub is always treated as essential.
func (g *JwtGenerator) GenerateFilteredIDTokenPayload(ctx context.Context, principal Principal, param *AuthorizationParameter, claims []ClaimParameter) (jwtkit.Payload, error) {
	if err := checkPrincipalAndParam(principal, param); err != nil {
		return nil, err
	}
	claims = withEssentialSubject(claims)
	payload := jwtkit.Payload{}
	if err := g.fillInIdentityTokenClaims(payload, param, claims, principal); err != nil {
		return nil, err
	}
	if err := fillInRequestedClaims(payload, param, claims, principal, isIdentityTokenClaim); err != nil {
		return nil, err
	}
	return payload, nil
}

// GenerateUserInfoPayloadForScope builds a userinfo payload with sub and the
// claims released by the requested scopes.
func (g *JwtGenerator) GenerateUserInfoPayloadForScope(ctx context.Context, principal Principal, param *AuthorizationParameter) (jwtkit.Payload, error) {
	if err := checkPrincipalAndParam(principal, param); err != nil {
		return nil, err
	}
	claims, err := g.claimsFromScopes(ctx, ParseScopes(param.Scope), principal)
	if err != nil {
		return nil, err
	}
	payload := jwtkit.Payload{}
	for k, v := range claims {
		payload[k] = v
	}
	payload[jwtkit.ClaimSubject] = principal.Subject()
	return payload, nil
}

// GenerateFilteredUserInfoPayload builds a userinfo payload from an explicit
// claims request, checked the same way as for the id_token.
func (g *JwtGenerator) GenerateFilteredUserInfoPayload(claims []ClaimParameter, principal Principal, param *AuthorizationParameter) (jwtkit.Payload, error) {
	if err := checkPrincipalAndParam(principal, param); err != nil {
		return nil, err
	}
	payload := jwtkit.Payload{}
	if err := fillInRequestedClaims(payload, param, withEssentialSubject(claims), principal, func(string) bool { return false }); err != nil {
		return nil, err
	}
	return payload, nil
}

// FillInOtherClaimsIdentityTokenPayload adds c_hash and at_hash, the base64url
// encoded left half of the hash of the code and access token, using the hash
// of the client's id_token signing algorithm.
func (g *JwtGenerator) FillInOtherClaimsIdentityTokenPayload(payload jwtkit.Payload, authorizationCode, accessToken string, client *Client) error {
	if payload == nil {
		return missingArgument("payload")
	}
	if client == nil {
		return missingArgument("client")
	}
	alg := g.idTokenAlg(client)
	if alg == jwtkit.JwsNone {
		return nil
	}
	if authorizationCode != "" {
		h, err := leftHalfHash(alg, authorizationCode)
		if err != nil {
			return err
		}
		payload[jwtkit.ClaimCHash] = h
	}
	if accessToken != "" {
		h, err := leftHalfHash(alg, accessToken)
		if err != nil {
			return err
		}
		payload[jwtkit.ClaimAtHash] = h
	}
	return nil
}

// RestampIdentityTokenPayload returns a copy of a stored id_token payload with
// iat and exp reset to now and without the hashes of the previous response.
func (g *JwtGenerator) RestampIdentityTokenPayload(payload jwtkit.Payload) jwtkit.Payload {
	out := payload.Clone()
	now := g.now()
	out[jwtkit.ClaimIssuedAt] = now.Unix()
	out[jwtkit.ClaimExpiration] = now.Add(g.lifetime).Unix()
	delete(out, jwtkit.ClaimCHash)
	delete(out, jwtkit.ClaimAtHash)
	return out
}

// Sign serialises payload as a JWS with the server key for alg.
func (g *JwtGenerator) Sign(ctx context.Context, payload jwtkit.Payload, alg jwtkit.JwsAlg) (string, error) {
	if payload == nil {
		return "", missingArgument("payload")
	}
	if alg == "" {
		alg = g.defaultAlg
	}
	if alg == jwtkit.JwsNone {
		return g.jws.Generate(payload, alg, nil)
	}
	keys, err := g.keys.Keys(ctx)
	if err != nil {
		return "", fmt.Errorf("load server keys: %w", err)
	}
	key := jwtkit.FindKeyForUse(keys, string(alg), jwtkit.UseSignature)
	if key == nil {
		return "", fmt.Errorf("no server signing key for %s", alg)
	}
	return g.jws.Generate(payload, alg, key)
}

// Encrypt wraps a serialised JWS in a JWE addressed to the client's
// encryption key, resolved from its inline keys or its jwks_uri.
func (g *JwtGenerator) Encrypt(ctx context.Context, jws string, alg jwtkit.JweAlg, enc jwtkit.JweEnc, client *Client) (string, error) {
	if jws == "" {
		return "", missingArgument("jws")
	}
	if client == nil {
		return "", missingArgument("client")
	}
	key := jwtkit.FindKeyForUse(client.JSONWebKeys, string(alg), jwtkit.UseEncryption)
	if key == nil && client.JwksURI != "" {
		set, err := g.fetcher.fetch(ctx, client.JwksURI, false)
		if err != nil {
			return "", fmt.Errorf("fetch client jwks: %w", err)
		}
		key = jwtkit.FindKeyForUse(set.Keys, string(alg), jwtkit.UseEncryption)
	}
	if key == nil {
		return "", fmt.Errorf("no encryption key for client %s", client.ClientID)
	}
	return g.jwe.GenerateJwe(jws, alg, enc, key)
}

// SignAndEncryptIDToken serialises an id_token with the client's negotiated algorithms.
func (g *JwtGenerator) SignAndEncryptIDToken(ctx context.Context, payload jwtkit.Payload, client *Client) (string, error) {
	return g.signAndEncrypt(ctx, payload, g.idTokenAlg(client), client.IDTokenEncryptedResponseAlg, client.IDTokenEncryptedResponseEnc, client)
}

// SignAndEncryptUserInfo serialises a userinfo response with the client's
// negotiated algorithms. It returns "" when the client asked for plain JSON.
func (g *JwtGenerator) SignAndEncryptUserInfo(ctx context.Context, payload jwtkit.Payload, client *Client) (string, error) {
	if client.UserInfoSignedResponseAlg == "" && client.UserInfoEncryptedResponseAlg == "" {
		return "", nil
	}
	alg := jwtkit.JwsAlg(client.UserInfoSignedResponseAlg)
	if alg == "" {
		alg = jwtkit.JwsNone
	}
	return g.signAndEncrypt(ctx, payload, alg, client.UserInfoEncryptedResponseAlg, client.UserInfoEncryptedResponseEnc, client)
}

func (g *JwtGenerator) signAndEncrypt(ctx context.Context, payload jwtkit.Payload, alg jwtkit.JwsAlg, encAlg, enc string, client *Client) (string, error) {
	jws, err := g.Sign(ctx, payload, alg)
	if err != nil {
		return "", err
	}
	if encAlg == "" {
		return jws, nil
	}
	if enc == "" {
		enc = string(jwtkit.JweA128CBCHS256)
	}
	return g.Encrypt(ctx, jws, jwtkit.JweAlg(encAlg), jwtkit.JweEnc(enc), client)
}

func (g *JwtGenerator) idTokenAlg(client *Client) jwtkit.JwsAlg {
	if client != nil && client.IDTokenSignedResponseAlg != "" {
		return jwtkit.JwsAlg(client.IDTokenSignedResponseAlg)
	}
	return g.defaultAlg
}

// fillInIdentityTokenClaims writes iss, aud, exp, iat, auth_time, nonce, acr,
// amr and azp, checking each against its claim request when there is one.
func (g *JwtGenerator) fillInIdentityTokenClaims(payload jwtkit.Payload, param *AuthorizationParameter, claims []ClaimParameter, principal Principal) error {
	find := func(name string) *ClaimParameter {
		for i := range claims {
			if claims[i].Name == name {
				return &claims[i]
			}
		}
		return nil
	}
	invalid := func(name string) error {
		return Errorf(ErrCodeInvalidGrant, descClaimNotValid, name).WithState(param.State)
	}

	now := g.now()
	iat := now.Unix()
	exp := now.Add(g.lifetime).Unix()

	audiences := []string{param.ClientID}
	if g.issuer != "" && g.issuer != param.ClientID {
		audiences = append(audiences, g.issuer)
	}
	azp := ""
	if len(audiences) > 1 || audiences[0] != param.ClientID {
		azp = param.ClientID
	}

	acr := principalString(principal, ClaimAuthenticationLevel)
	if acr == "" {
		acr = DefaultAcr
	}
	amr := principal.Values(ClaimAuthenticationMethod)
	if len(amr) == 0 {
		amr = slices.Clone(DefaultAmr)
	}

	authInstant := ""
	if t, ok := principal.AuthenticationInstant(); ok {
		authInstant = strconv.FormatInt(t.Unix(), 10)
	}

	checks := []struct {
		name  string
		value string
	}{
		{jwtkit.ClaimIssuer, g.issuer},
		{jwtkit.ClaimExpiration, strconv.FormatInt(exp, 10)},
		{jwtkit.ClaimIssuedAt, strconv.FormatInt(iat, 10)},
		{jwtkit.ClaimAuthTime, authInstant},
		{jwtkit.ClaimNonce, param.Nonce},
		{jwtkit.ClaimAcr, acr},
		{jwtkit.ClaimAzp, azp},
	}
	for _, c := range checks {
		if cp := find(c.name); cp != nil && !validateClaimValue(c.value, cp) {
			return invalid(c.name)
		}
	}
	if cp := find(jwtkit.ClaimAudience); cp != nil && !validateClaimValues(audiences, cp) {
		return invalid(jwtkit.ClaimAudience)
	}
	if cp := find(jwtkit.ClaimAmr); cp != nil && !validateClaimValues(amr, cp) {
		return invalid(jwtkit.ClaimAmr)
	}

	payload[jwtkit.ClaimIssuer] = g.issuer
	payload[jwtkit.ClaimAudience] = audiences
	payload[jwtkit.ClaimExpiration] = exp
	payload[jwtkit.ClaimIssuedAt] = iat

	authTimeParam := find(jwtkit.ClaimAuthTime)
	if ((authTimeParam != nil && authTimeParam.Essential) || param.MaxAge != 0) && authInstant != "" {
		t, _ := principal.AuthenticationInstant()
		payload[jwtkit.ClaimAuthTime] = t.Unix()
	}
	if param.Nonce != "" {
		payload[jwtkit.ClaimNonce] = param.Nonce
	}
	payload[jwtkit.ClaimAcr] = acr
	payload[jwtkit.ClaimAmr] = amr
	if azp != "" {
		payload[jwtkit.ClaimAzp] = azp
	}
	return nil
}

var identityTokenClaims = []string{
	jwtkit.ClaimIssuer, jwtkit.ClaimAudience, jwtkit.ClaimExpiration, jwtkit.ClaimIssuedAt,
	jwtkit.ClaimAuthTime, jwtkit.ClaimNonce, jwtkit.ClaimAcr, jwtkit.ClaimAmr, jwtkit.ClaimAzp,
}

func isIdentityTokenClaim(name string) bool {
	return slices.Contains(identityTokenClaims, name)
}

// fillInRequestedClaims copies each requested claim from the principal.
// Missing optional claims are omitted; a missing essential claim or a value
// that does not match the request fails with invalid_grant.
func fillInRequestedClaims(payload jwtkit.Payload, param *AuthorizationParameter, claims []ClaimParameter, principal Principal, skip func(string) bool) error {
	for i := range claims {
		cp := claims[i]
		if skip(cp.Name) {
			continue
		}
		raw, present := principal.Value(cp.Name)
		if vals := principal.Values(cp.Name); len(vals) > 1 {
			if !validateClaimValues(vals, &cp) {
				return Errorf(ErrCodeInvalidGrant, descClaimNotValid, cp.Name).WithState(param.State)
			}
		} else {
			value := ""
			if present {
				value = jwtkit.ClaimString(raw)
			}
			if !validateClaimValue(value, &cp) {
				return Errorf(ErrCodeInvalidGrant, descClaimNotValid, cp.Name).WithState(param.State)
			}
		}
		if present {
			payload[cp.Name] = raw
		}
	}
	return nil
}

// validateClaimValue checks a single valued claim: an essential claim must
// be present, value must match exactly and values must contain it.
func validateClaimValue(value string, cp *ClaimParameter) bool {
	if cp.Essential && value == "" {
		return false
	}
	if cp.HasValue() && value != cp.Value {
		return false
	}
	if cp.HasValues() && !slices.Contains(cp.Values, value) {
		return false
	}
	return true
}

// validateClaimValues checks a multi valued claim: an essential claim must
// be non empty, value must be one of them and every entry of values must be present.
func validateClaimValues(values []string, cp *ClaimParameter) bool {
	if cp.Essential && len(values) == 0 {
		return false
	}
	if cp.HasValue() && !slices.Contains(values, cp.Value) {
		return false
	}
	if cp.HasValues() {
		for _, v := range cp.Values {
			if !slices.Contains(values, v) {
				return false
			}
		}
	}
	return true
}

func (g *JwtGenerator) claimsFromScopes(ctx context.Context, scopes []string, principal Principal) (map[string]any, error) {
	names, err := g.scopeClaimNames(ctx, scopes)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, name := range names {
		if v, ok := principal.Value(name); ok {
			out[name] = v
		}
	}
	return out, nil
}

func (g *JwtGenerator) scopeClaimNames(ctx context.Context, scopes []string) ([]string, error) {
	var names []string
	if g.scopes != nil {
		found, err := g.scopes.SearchByNames(ctx, scopes)
		if err != nil {
			return nil, fmt.Errorf("search scopes: %w", err)
		}
		for _, s := range found {
			names = append(names, s.Claims...)
		}
		if len(found) > 0 {
			return names, nil
		}
	}
	for _, s := range scopes {
		names = append(names, DefaultScopeClaims[s]...)
	}
	return names, nil
}

func withEssentialSubject(claims []ClaimParameter) []ClaimParameter {
	out := make([]ClaimParameter, 0, len(claims)+1)
	hasSub := false
	for _, c := range claims {
		if c.Name == jwtkit.ClaimSubject {
			c.Essential = true
			hasSub = true
		}
		out = append(out, c)
	}
	if !hasSub {
		out = append(out, ClaimParameter{Name: jwtkit.ClaimSubject, Essential: true})
	}
	return out
}

func leftHalfHash(alg jwtkit.JwsAlg, value string) (string, error) {
	h, err := jwtkit.HashFor(alg)
	if err != nil {
		return "", err
	}
	if !h.Available() {
		return "", fmt.Errorf("hash for %s is not available", alg)
	}
	hasher := h.New()
	hasher.Write([]byte(value))
	sum := hasher.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func principalString(p Principal, name string) string {
	v, ok := p.Value(name)
	if !ok {
		return ""
	}
	return jwtkit.ClaimString(v)
}

func checkPrincipalAndParam(principal Principal, param *AuthorizationParameter) error {
	if !principal.IsAuthenticated() {
		return missingArgument("principal")
	}
	if param == nil {
		return missingArgument("authorization parameter")
	}
	return nil
}
