package oauth

import (
	"context"
	"fmt"
	"time"
)

// GrantedTokenValidator checks stored tokens and finds reusable ones.
type GrantedTokenValidator struct {
	tokens TokenStore
	now    func() time.Time
}

// NewGrantedTokenValidator constructs a GrantedTokenValidator.
func NewGrantedTokenValidator(tokens TokenStore) *GrantedTokenValidator {
	return &GrantedTokenValidator{tokens: tokens, now: time.Now}
}

// CheckAccessToken returns the stored token or an invalid_token error when it
// is unknown or expired.
func (v *GrantedTokenValidator) CheckAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error) {
	if accessToken == "" {
		return nil, missingArgument("access_token")
	}
	token, err := v.tokens.GetAccessToken(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}
	return v.check(token)
}

// CheckRefreshToken is CheckAccessToken for refresh tokens.
func (v *GrantedTokenValidator) CheckRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error) {
	if refreshToken == "" {
		return nil, missingArgument("refresh_token")
	}
	token, err := v.tokens.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return v.check(token)
}

func (v *GrantedTokenValidator) check(token *GrantedToken) (*GrantedToken, error) {
	if token == nil {
		return nil, NewError(ErrCodeInvalidToken, descTokenNotValid)
	}
	if token.IsExpired(v.now()) {
		return nil, NewError(ErrCodeInvalidToken, descTokenExpired)
	}
	return token, nil
}

// GetValidGrantedToken returns an unexpired token previously issued to
// clientID for subject with exactly scope, or nil.
func (v *GrantedTokenValidator) GetValidGrantedToken(ctx context.Context, scope, clientID, subject string) (*GrantedToken, error) {
	if clientID == "" {
		return nil, missingArgument("client_id")
	}
	candidates, err := v.tokens.SearchTokens(ctx, clientID, subject, scope)
	if err != nil {
		return nil, fmt.Errorf("search tokens: %w", err)
	}
	now := v.now()
	for _, t := range candidates {
		if t == nil || t.IsExpired(now) {
			continue
		}
		if t.ClientID != clientID || t.Subject != subject || t.Scope != scope {
			continue
		}
		return t, nil
	}
	return nil, nil
}
