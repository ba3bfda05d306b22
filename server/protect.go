package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"idserver/jwtkit"
	"idserver/oauth"
)

const defaultRequestMaxAge = 30 * time.Minute

var errRequestNotValid = oauth.NewError(oauth.ErrCodeInvalidRequest, "the authorization request is not valid or has expired")

// protectedRequest is the authorization request carried between the login,
// consent and authorize pages.
type protectedRequest struct {
	Param    *oauth.AuthorizationParameter `json:"param"`
	IssuedAt int64                         `json:"iat"`
}

// RequestProtector encrypts authorization requests to the server's own
// encryption key so the browser can carry them without being able to alter them.
type RequestProtector struct {
	keys   oauth.KeyRepository
	parser *oauth.JwtParser
	jwe    jwtkit.JweGenerator
	maxAge time.Duration
	now    func() time.Time
}

// NewRequestProtector constructs a RequestProtector. maxAge bounds how long a
// protected request stays usable.
func NewRequestProtector(keys oauth.KeyRepository, parser *oauth.JwtParser, maxAge time.Duration) *RequestProtector {
	if maxAge <= 0 {
		maxAge = defaultRequestMaxAge
	}
	return &RequestProtector{keys: keys, parser: parser, maxAge: maxAge, now: time.Now}
}

// Protect serialises param and encrypts it as a compact JWE.
func (p *RequestProtector) Protect(ctx context.Context, param *oauth.AuthorizationParameter) (string, error) {
	if param == nil {
		return "", errors.New("authorization parameter is required")
	}
	raw, err := json.Marshal(protectedRequest{Param: param, IssuedAt: p.now().Unix()})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	keys, err := p.keys.Keys(ctx)
	if err != nil {
		return "", fmt.Errorf("load server keys: %w", err)
	}
	key := jwtkit.FindKeyForUse(keys, string(jwtkit.JweRSAOAEP256), "enc")
	if key == nil {
		return "", errors.New("no server encryption key")
	}
	return p.jwe.GenerateJwe(string(raw), jwtkit.JweRSAOAEP256, jwtkit.JweA256GCM, key)
}

// Unprotect decrypts a protected request. Tampered, foreign or expired
// requests yield an invalid_request error.
func (p *RequestProtector) Unprotect(ctx context.Context, request string) (*oauth.AuthorizationParameter, error) {
	if request == "" || !p.parser.IsJweToken(request) {
		return nil, errRequestNotValid
	}
	plain, err := p.parser.DecryptWithServerKey(ctx, request)
	if err != nil {
		if errors.Is(err, oauth.ErrTokenNotVerifiable) {
			return nil, errRequestNotValid
		}
		return nil, err
	}
	var pr protectedRequest
	if err := json.Unmarshal([]byte(plain), &pr); err != nil || pr.Param == nil {
		return nil, errRequestNotValid
	}
	if p.now().Sub(time.Unix(pr.IssuedAt, 0)) > p.maxAge {
		return nil, errRequestNotValid
	}
	return pr.Param, nil
}
