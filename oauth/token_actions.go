package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"idserver/jwtkit"
)

// Token type hints accepted by introspection and revocation.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenActionsConfig configures TokenActions.
type TokenActionsConfig struct {
	// CodeTTL bounds the age of an authorization code at redemption.
	CodeTTL time.Duration
	// Audiences are the aud values accepted in client assertions.
	Audiences []string
}

// TokenActions serves the token, introspection, revocation and userinfo endpoints.
type TokenActions struct {
	auth      *ClientAuthenticator
	clients   *ClientValidator
	scopes    ScopeValidator
	owners    *ResourceOwnerValidator
	validator *GrantedTokenValidator
	issuer    *TokenIssuer
	generator *JwtGenerator
	tokens    TokenStore
	codes     AuthorizationCodeStore
	events    EventSource
	logger    *slog.Logger
	codeTTL   time.Duration
	audiences []string
	now       func() time.Time
}

// NewTokenActions constructs the token endpoint actions.
func NewTokenActions(
	cfg TokenActionsConfig,
	auth *ClientAuthenticator,
	clients *ClientValidator,
	owners *ResourceOwnerValidator,
	issuer *TokenIssuer,
	generator *JwtGenerator,
	tokens TokenStore,
	codes AuthorizationCodeStore,
	events EventSource,
	logger *slog.Logger,
) *TokenActions {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	if events == nil {
		events = NopEventSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenActions{
		auth:      auth,
		clients:   clients,
		owners:    owners,
		validator: NewGrantedTokenValidator(tokens),
		issuer:    issuer,
		generator: generator,
		tokens:    tokens,
		codes:     codes,
		events:    events,
		logger:    logger,
		codeTTL:   cfg.CodeTTL,
		audiences: cfg.Audiences,
		now:       time.Now,
	}
}

// GetToken dispatches a token request on its grant_type.
func (t *TokenActions) GetToken(ctx context.Context, req *TokenRequest) (*GrantedToken, error) {
	if req == nil {
		return nil, missingArgument("token request")
	}
	var (
		token *GrantedToken
		err   error
	)
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		token, err = t.authorizationCodeGrant(ctx, req)
	case GrantTypePassword:
		token, err = t.resourceOwnerGrant(ctx, req)
	case GrantTypeClientCredentials:
		token, err = t.clientCredentialsGrant(ctx, req)
	case GrantTypeRefreshToken:
		token, err = t.refreshTokenGrant(ctx, req)
	default:
		return nil, Errorf(ErrCodeUnsupportedGrantType, "the grant type %s is not supported", req.GrantType)
	}
	if err != nil {
		t.logger.Warn("token request rejected", "grant_type", string(req.GrantType), "client_id", req.Client.ClientID(), "error", err)
		return nil, err
	}
	t.logger.Info("token issued", "grant_type", string(req.GrantType), "client_id", token.ClientID, "sub", token.Subject)
	return token, nil
}

func (t *TokenActions) authenticate(ctx context.Context, creds ClientCredentials, grantType GrantType) (*Client, error) {
	client, err := t.auth.Authenticate(ctx, creds, t.audiences...)
	if err != nil {
		return nil, err
	}
	if !t.clients.ValidateGrantType(grantType, client) {
		return nil, Errorf(ErrCodeUnauthorizedClient, descGrantTypeNotSupported, client.ClientID, grantType)
	}
	return client, nil
}

func (t *TokenActions) authorizationCodeGrant(ctx context.Context, req *TokenRequest) (*GrantedToken, error) {
	if err := (AuthorizationCodeGrantTypeParameterTokenEdpValidator{}).Validate(req); err != nil {
		return nil, err
	}
	client, err := t.authenticate(ctx, req.Client, GrantTypeAuthorizationCode)
	if err != nil {
		return nil, err
	}

	code, err := t.codes.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if code == nil {
		return nil, NewError(ErrCodeInvalidGrant, descAuthorizationCodeNotCorrect)
	}
	if code.ClientID != client.ClientID {
		return nil, Errorf(ErrCodeInvalidGrant, descClientMismatch, client.ClientID)
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, NewError(ErrCodeInvalidGrant, descRedirectURIMismatch)
	}
	if t.now().After(code.CreateDateTime.Add(t.codeTTL)) {
		return nil, NewError(ErrCodeInvalidGrant, descAuthorizationCodeExpired)
	}
	if code.CodeChallenge != "" {
		if err := verifyPKCE(code, req.CodeVerifier); err != nil {
			return nil, err
		}
	}

	token, err := t.issuer.GrantToken(GrantRequest{
		ClientID:        client.ClientID,
		Subject:         code.Subject,
		Scope:           code.Scopes,
		IDTokenPayload:  code.IDTokenPayload,
		UserInfoPayload: code.UserInfoPayload,
		WithRefresh:     true,
	})
	if err != nil {
		return nil, err
	}
	if err := t.attachIDToken(ctx, token, client); err != nil {
		return nil, err
	}
	return t.persist(ctx, token)
}

func (t *TokenActions) resourceOwnerGrant(ctx context.Context, req *TokenRequest) (*GrantedToken, error) {
	if err := (ResourceOwnerGrantTypeParameterValidator{}).Validate(req); err != nil {
		return nil, err
	}
	client, err := t.authenticate(ctx, req.Client, GrantTypePassword)
	if err != nil {
		return nil, err
	}
	scope, err := t.allowedScope(req.Scope, client)
	if err != nil {
		return nil, err
	}
	owner, err := t.owners.ValidateCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	t.events.AuthenticateResourceOwner(owner.ID)

	principal := NewPrincipal(owner.ID, t.now(), owner.Claims)
	param := &AuthorizationParameter{ClientID: client.ClientID, Scope: scope}
	var idPayload jwtkit.Payload
	if slices.Contains(ParseScopes(scope), "openid") {
		idPayload, err = t.generator.GenerateIDTokenPayloadForScopes(ctx, principal, param)
		if err != nil {
			return nil, err
		}
	}
	userInfo, err := t.generator.GenerateUserInfoPayloadForScope(ctx, principal, param)
	if err != nil {
		return nil, err
	}

	token, err := t.issuer.GrantToken(GrantRequest{
		ClientID:        client.ClientID,
		Subject:         owner.ID,
		Scope:           scope,
		IDTokenPayload:  idPayload,
		UserInfoPayload: userInfo,
		WithRefresh:     true,
	})
	if err != nil {
		return nil, err
	}
	if err := t.attachIDToken(ctx, token, client); err != nil {
		return nil, err
	}
	return t.persist(ctx, token)
}

func (t *TokenActions) clientCredentialsGrant(ctx context.Context, req *TokenRequest) (*GrantedToken, error) {
	if err := (ClientCredentialsGrantTypeParameterValidator{}).Validate(req); err != nil {
		return nil, err
	}
	client, err := t.authenticate(ctx, req.Client, GrantTypeClientCredentials)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, NewError(ErrCodeUnauthorizedClient, descClientCredentialsNotValid)
	}
	scope, err := t.allowedScope(req.Scope, client)
	if err != nil {
		return nil, err
	}

	existing, err := t.validator.GetValidGrantedToken(ctx, scope, client.ClientID, "")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	token, err := t.issuer.GrantToken(GrantRequest{ClientID: client.ClientID, Scope: scope})
	if err != nil {
		return nil, err
	}
	return t.persist(ctx, token)
}

func (t *TokenActions) refreshTokenGrant(ctx context.Context, req *TokenRequest) (*GrantedToken, error) {
	if err := (RefreshTokenGrantTypeParameterValidator{}).Validate(req); err != nil {
		return nil, err
	}
	client, err := t.authenticate(ctx, req.Client, GrantTypeRefreshToken)
	if err != nil {
		return nil, err
	}
	previous, err := t.tokens.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if previous == nil || t.issuer.RefreshTokenExpired(previous) {
		return nil, NewError(ErrCodeInvalidGrant, descRefreshTokenNotValid)
	}
	if previous.ClientID != client.ClientID {
		return nil, NewError(ErrCodeInvalidGrant, descRefreshClientMismatch)
	}

	token, err := t.issuer.GrantToken(GrantRequest{
		ClientID:        client.ClientID,
		Subject:         previous.Subject,
		Scope:           previous.Scope,
		IDTokenPayload:  previous.IDTokenPayload,
		UserInfoPayload: previous.UserInfoPayload,
		WithRefresh:     true,
		ParentRefresh:   previous.RefreshToken,
	})
	if err != nil {
		return nil, err
	}
	if err := t.attachIDToken(ctx, token, client); err != nil {
		return nil, err
	}
	// Store the new pair before dropping the old refresh token.
	if err := t.tokens.AddToken(ctx, token); err != nil {
		return nil, fmt.Errorf("add token: %w", err)
	}
	if err := t.tokens.RemoveRefreshToken(ctx, previous.RefreshToken); err != nil {
		_ = t.tokens.RemoveAccessToken(ctx, token.AccessToken)
		return nil, fmt.Errorf("remove refresh token: %w", err)
	}
	t.events.GrantAccessToClient(token.ClientID, token.AccessToken, token.Scope)
	return token, nil
}

// attachIDToken signs a fresh id_token from the payload snapshot carried by
// the token, bound to its access token through at_hash.
func (t *TokenActions) attachIDToken(ctx context.Context, token *GrantedToken, client *Client) error {
	if len(token.IDTokenPayload) == 0 || !slices.Contains(ParseScopes(token.Scope), "openid") {
		return nil
	}
	payload := t.generator.RestampIdentityTokenPayload(token.IDTokenPayload)
	if err := t.generator.FillInOtherClaimsIdentityTokenPayload(payload, "", token.AccessToken, client); err != nil {
		return err
	}
	idToken, err := t.generator.SignAndEncryptIDToken(ctx, payload, client)
	if err != nil {
		return err
	}
	token.IDToken = idToken
	token.IDTokenPayload = payload
	return nil
}

func (t *TokenActions) persist(ctx context.Context, token *GrantedToken) (*GrantedToken, error) {
	if err := t.tokens.AddToken(ctx, token); err != nil {
		return nil, fmt.Errorf("add token: %w", err)
	}
	t.events.GrantAccessToClient(token.ClientID, token.AccessToken, token.Scope)
	return token, nil
}

// allowedScope validates the requested scope, defaulting to every scope the
// client is allowed when none is requested.
func (t *TokenActions) allowedScope(scope string, client *Client) (string, error) {
	if strings.TrimSpace(scope) == "" {
		return strings.Join(client.AllowedScopes, " "), nil
	}
	scopes, err := t.scopes.ValidateScopes(scope, client)
	if err != nil {
		return "", err
	}
	return strings.Join(scopes, " "), nil
}

func verifyPKCE(code *AuthorizationCode, verifier string) error {
	if verifier == "" {
		return Errorf(ErrCodeInvalidGrant, descMissingParameter, "code_verifier")
	}
	expected := verifier
	if code.CodeChallengeMethod == CodeChallengeMethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		expected = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(code.CodeChallenge)) != 1 {
		return NewError(ErrCodeInvalidGrant, descPkceNotValid)
	}
	return nil
}

// Introspect returns RFC 7662 metadata for token. Unknown, expired or foreign
// tokens are reported as inactive.
func (t *TokenActions) Introspect(ctx context.Context, creds ClientCredentials, token, hint string) (map[string]any, error) {
	if token == "" {
		return nil, Errorf(ErrCodeInvalidRequest, descMissingParameter, "token")
	}
	client, err := t.auth.Authenticate(ctx, creds, t.audiences...)
	if err != nil {
		return nil, err
	}
	granted, isRefresh, err := t.lookup(ctx, token, hint)
	if err != nil {
		return nil, err
	}

	inactive := map[string]any{"active": false}
	if granted == nil {
		t.events.IntrospectToken(client.ClientID, false)
		return inactive, nil
	}
	expired := granted.IsExpired(t.now())
	if isRefresh {
		expired = t.issuer.RefreshTokenExpired(granted)
	}
	if expired {
		t.events.IntrospectToken(client.ClientID, false)
		return inactive, nil
	}

	tokenType := TokenTypeHintAccessToken
	if isRefresh {
		tokenType = TokenTypeHintRefreshToken
	}
	out := map[string]any{
		"active":     true,
		"scope":      granted.Scope,
		"client_id":  granted.ClientID,
		"token_type": tokenType,
		"iat":        granted.CreateDateTime.Unix(),
		"exp":        granted.ExpiresAt().Unix(),
		"iss":        t.generator.Issuer(),
	}
	if granted.Subject != "" {
		out["sub"] = granted.Subject
	}
	t.events.IntrospectToken(client.ClientID, true)
	return out, nil
}

// Revoke removes token when it was issued to the authenticated client. An
// unknown token is not an error.
func (t *TokenActions) Revoke(ctx context.Context, creds ClientCredentials, token, hint string) error {
	if token == "" {
		return Errorf(ErrCodeInvalidRequest, descMissingParameter, "token")
	}
	client, err := t.auth.Authenticate(ctx, creds, t.audiences...)
	if err != nil {
		return err
	}
	granted, isRefresh, err := t.lookup(ctx, token, hint)
	if err != nil {
		return err
	}
	if granted == nil {
		return nil
	}
	if granted.ClientID != client.ClientID {
		return Errorf(ErrCodeInvalidClient, descTokenClientMismatch, client.ClientID)
	}
	if isRefresh {
		err = t.tokens.RemoveRefreshToken(ctx, token)
	} else {
		err = t.tokens.RemoveAccessToken(ctx, token)
	}
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	t.events.RevokeToken(client.ClientID, token)
	t.logger.Info("token revoked", "client_id", client.ClientID, "refresh", isRefresh)
	return nil
}

// lookup finds a token as an access token or a refresh token, trying the
// hinted kind first.
func (t *TokenActions) lookup(ctx context.Context, token, hint string) (*GrantedToken, bool, error) {
	byAccess := func() (*GrantedToken, error) { return t.tokens.GetAccessToken(ctx, token) }
	byRefresh := func() (*GrantedToken, error) { return t.tokens.GetRefreshToken(ctx, token) }

	order := []func() (*GrantedToken, error){byAccess, byRefresh}
	refresh := []bool{false, true}
	if hint == TokenTypeHintRefreshToken {
		order[0], order[1] = order[1], order[0]
		refresh[0], refresh[1] = refresh[1], refresh[0]
	}
	for i, find := range order {
		granted, err := find()
		if err != nil {
			return nil, false, fmt.Errorf("lookup token: %w", err)
		}
		if granted != nil {
			return granted, refresh[i], nil
		}
	}
	return nil, false, nil
}

// UserInfoResponse is either a JSON claim set or a JWT, depending on the
// client's registered userinfo algorithms.
type UserInfoResponse struct {
	Payload jwtkit.Payload
	JWT     string
}

// UserInfo returns the claims captured when accessToken was issued.
func (t *TokenActions) UserInfo(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
	if accessToken == "" {
		return nil, NewError(ErrCodeInvalidToken, descTokenNotValid)
	}
	granted, err := t.validator.CheckAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if granted.Subject == "" {
		return nil, NewError(ErrCodeInvalidToken, descTokenNotValid)
	}
	client, err := t.clients.ValidateClientExist(ctx, granted.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, NewError(ErrCodeInvalidToken, descTokenNotValid)
	}

	payload := granted.UserInfoPayload.Clone()
	payload[jwtkit.ClaimSubject] = granted.Subject
	jwt, err := t.generator.SignAndEncryptUserInfo(ctx, payload, client)
	if err != nil {
		return nil, err
	}
	return &UserInfoResponse{Payload: payload, JWT: jwt}, nil
}
