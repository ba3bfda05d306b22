package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/go-jose/go-jose/v3"

	"idserver/jwtkit"
)

// RegistrationParameter is a dynamic client registration request.
type RegistrationParameter struct {
	RedirectURIs                 []string            `json:"redirect_uris"`
	ResponseTypes                []ResponseType      `json:"response_types,omitempty"`
	GrantTypes                   []GrantType         `json:"grant_types,omitempty"`
	ApplicationType              ApplicationType     `json:"application_type,omitempty"`
	ClientName                   string              `json:"client_name,omitempty"`
	LogoURI                      string              `json:"logo_uri,omitempty"`
	ClientURI                    string              `json:"client_uri,omitempty"`
	TosURI                       string              `json:"tos_uri,omitempty"`
	JwksURI                      string              `json:"jwks_uri,omitempty"`
	Jwks                         *jose.JSONWebKeySet `json:"jwks,omitempty"`
	SectorIdentifierURI          string              `json:"sector_identifier_uri,omitempty"`
	IDTokenSignedResponseAlg     string              `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg  string              `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc  string              `json:"id_token_encrypted_response_enc,omitempty"`
	UserInfoSignedResponseAlg    string              `json:"userinfo_signed_response_alg,omitempty"`
	UserInfoEncryptedResponseAlg string              `json:"userinfo_encrypted_response_alg,omitempty"`
	UserInfoEncryptedResponseEnc string              `json:"userinfo_encrypted_response_enc,omitempty"`
	RequestObjectSigningAlg      string              `json:"request_object_signing_alg,omitempty"`
	RequestObjectEncryptionAlg   string              `json:"request_object_encryption_alg,omitempty"`
	RequestObjectEncryptionEnc   string              `json:"request_object_encryption_enc,omitempty"`
	TokenEndpointAuthMethod      string              `json:"token_endpoint_auth_method,omitempty"`
	DefaultMaxAge                int64               `json:"default_max_age,omitempty"`
	InitiateLoginURI             string              `json:"initiate_login_uri,omitempty"`
	RequestURIs                  []string            `json:"request_uris,omitempty"`
	Scope                        string              `json:"scope,omitempty"`
}

// RegistrationParameterValidator validates dynamic client registration requests.
type RegistrationParameterValidator struct {
	http HTTPClient
}

// NewRegistrationParameterValidator constructs the validator. The HTTP client
// dereferences sector_identifier_uri.
func NewRegistrationParameterValidator(client HTTPClient) *RegistrationParameterValidator {
	if client == nil {
		client = http.DefaultClient
	}
	return &RegistrationParameterValidator{http: client}
}

// Validate checks param and returns a copy with defaults applied to the
// response types, grant types and application type.
func (v *RegistrationParameterValidator) Validate(ctx context.Context, param *RegistrationParameter) (*RegistrationParameter, error) {
	if param == nil {
		return nil, missingArgument("registration parameter")
	}
	out := *param
	if len(out.RedirectURIs) == 0 {
		return nil, NewError(ErrCodeInvalidRedirectURI, descMissingRedirectURIs)
	}
	if len(out.ResponseTypes) == 0 {
		out.ResponseTypes = []ResponseType{ResponseTypeCode}
	}
	if len(out.GrantTypes) == 0 {
		out.GrantTypes = []GrantType{GrantTypeAuthorizationCode}
	}
	if out.ApplicationType == "" {
		out.ApplicationType = ApplicationTypeWeb
	}
	if out.ApplicationType != ApplicationTypeWeb && out.ApplicationType != ApplicationTypeNative {
		return nil, Errorf(ErrCodeInvalidClientMetadata, descParameterNotCorrect, "application_type")
	}

	for _, ru := range out.RedirectURIs {
		if err := validateRedirectURI(ru, out.ApplicationType); err != nil {
			return nil, err
		}
	}

	optional := []struct{ name, value string }{
		{"logo_uri", out.LogoURI},
		{"client_uri", out.ClientURI},
		{"tos_uri", out.TosURI},
		{"jwks_uri", out.JwksURI},
	}
	for _, o := range optional {
		if o.value != "" && !IsWellFormedAbsoluteURI(o.value) {
			return nil, Errorf(ErrCodeInvalidClientMetadata, descParameterNotCorrect, o.name)
		}
	}
	if out.Jwks != nil && len(out.Jwks.Keys) > 0 && out.JwksURI != "" {
		return nil, NewError(ErrCodeInvalidClientMetadata, descJwksAndJwksURI)
	}

	if err := validateAlgorithms(&out); err != nil {
		return nil, err
	}

	if out.TokenEndpointAuthMethod != "" && !slices.Contains(supportedAuthMethods, TokenEndpointAuthMethod(out.TokenEndpointAuthMethod)) {
		return nil, Errorf(ErrCodeInvalidClientMetadata, descParameterNotCorrect, "token_endpoint_auth_method")
	}

	if out.InitiateLoginURI != "" && !isHTTPS(out.InitiateLoginURI) {
		return nil, NewError(ErrCodeInvalidClientMetadata, descInitiateLoginNotHTTPS)
	}
	for _, ru := range out.RequestURIs {
		if !IsWellFormedAbsoluteURI(ru) {
			return nil, NewError(ErrCodeInvalidClientMetadata, descRequestURINotValid)
		}
	}

	if out.SectorIdentifierURI != "" {
		if !isHTTPS(out.SectorIdentifierURI) {
			return nil, NewError(ErrCodeInvalidClientMetadata, descSectorIdentifierNotHTTPS)
		}
		uris, err := v.fetchSectorIdentifierURIs(ctx, out.SectorIdentifierURI)
		if err != nil {
			return nil, NewError(ErrCodeInvalidClientMetadata, descSectorIdentifierNotFetched)
		}
		for _, u := range uris {
			if !slices.Contains(out.RedirectURIs, u) {
				return nil, NewError(ErrCodeInvalidClientMetadata, descSectorURINotRedirect)
			}
		}
	}
	return &out, nil
}

var supportedAuthMethods = []TokenEndpointAuthMethod{
	AuthMethodClientSecretBasic, AuthMethodClientSecretPost,
	AuthMethodClientSecretJWT, AuthMethodPrivateKeyJWT, AuthMethodNone,
}

func validateRedirectURI(raw string, appType ApplicationType) error {
	u, err := url.Parse(raw)
	if err != nil || !IsWellFormedAbsoluteURI(raw) {
		return Errorf(ErrCodeInvalidRedirectURI, descRedirectURLNotValid, raw)
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return Errorf(ErrCodeInvalidRedirectURI, descRedirectURIContainsFragment, raw)
	}
	local := isLocalhost(u.Hostname())
	switch appType {
	case ApplicationTypeWeb:
		if u.Scheme != "https" {
			return Errorf(ErrCodeInvalidRedirectURI, descRedirectURINotHTTPS, raw)
		}
		if local {
			return Errorf(ErrCodeInvalidRedirectURI, descRedirectURILocalhost, raw)
		}
	case ApplicationTypeNative:
		if !local {
			return Errorf(ErrCodeInvalidRedirectURI, descRedirectURINotLocalhost, raw)
		}
	}
	return nil
}

func validateAlgorithms(p *RegistrationParameter) error {
	signed := []struct{ name, value string }{
		{"id_token_signed_response_alg", p.IDTokenSignedResponseAlg},
		{"userinfo_signed_response_alg", p.UserInfoSignedResponseAlg},
		{"request_object_signing_alg", p.RequestObjectSigningAlg},
	}
	for _, s := range signed {
		if s.value != "" && !jwtkit.IsSupportedJwsAlg(s.value) {
			return Errorf(ErrCodeInvalidClientMetadata, descParameterNotCorrect, s.name)
		}
	}

	pairs := []struct {
		algName, alg, encName, enc, missing string
	}{
		{"id_token_encrypted_response_alg", p.IDTokenEncryptedResponseAlg, "id_token_encrypted_response_enc", p.IDTokenEncryptedResponseEnc, descIDTokenEncAlgMissing},
		{"userinfo_encrypted_response_alg", p.UserInfoEncryptedResponseAlg, "userinfo_encrypted_response_enc", p.UserInfoEncryptedResponseEnc, descUserInfoEncAlgMissing},
		{"request_object_encryption_alg", p.RequestObjectEncryptionAlg, "request_object_encryption_enc", p.RequestObjectEncryptionEnc, descRequestObjectEncAlgMissing},
	}
	for _, pair := range pairs {
		if pair.alg != "" && !jwtkit.IsSupportedJweAlg(pair.alg) {
			return Errorf(ErrCodeInvalidClientMetadata, descParameterNotCorrect, pair.algName)
		}
		if pair.enc == "" {
			continue
		}
		if !jwtkit.IsSupportedJweEnc(pair.enc) {
			return Errorf(ErrCodeInvalidClientMetadata, descParameterNotCorrect, pair.encName)
		}
		if pair.alg == "" {
			return NewError(ErrCodeInvalidClientMetadata, pair.missing)
		}
	}
	return nil
}

func (v *RegistrationParameterValidator) fetchSectorIdentifierURIs(ctx context.Context, uri string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("sector identifier status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var uris []string
	if err := json.Unmarshal(body, &uris); err != nil {
		return nil, fmt.Errorf("decode sector identifier: %w", err)
	}
	return uris, nil
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func isLocalhost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ToClient builds the client record for a validated registration.
func (p *RegistrationParameter) ToClient(clientID, secret string) *Client {
	c := &Client{
		ClientID:                     clientID,
		ClientName:                   p.ClientName,
		Secret:                       secret,
		RedirectURIs:                 slices.Clone(p.RedirectURIs),
		AllowedScopes:                ParseScopes(p.Scope),
		GrantTypes:                   slices.Clone(p.GrantTypes),
		ResponseTypes:                slices.Clone(p.ResponseTypes),
		ApplicationType:              p.ApplicationType,
		TokenEndpointAuthMethod:      TokenEndpointAuthMethod(p.TokenEndpointAuthMethod),
		JwksURI:                      p.JwksURI,
		SectorIdentifierURI:          p.SectorIdentifierURI,
		IDTokenSignedResponseAlg:     p.IDTokenSignedResponseAlg,
		IDTokenEncryptedResponseAlg:  p.IDTokenEncryptedResponseAlg,
		IDTokenEncryptedResponseEnc:  p.IDTokenEncryptedResponseEnc,
		UserInfoSignedResponseAlg:    p.UserInfoSignedResponseAlg,
		UserInfoEncryptedResponseAlg: p.UserInfoEncryptedResponseAlg,
		UserInfoEncryptedResponseEnc: p.UserInfoEncryptedResponseEnc,
		RequestObjectSigningAlg:      p.RequestObjectSigningAlg,
		RequestObjectEncryptionAlg:   p.RequestObjectEncryptionAlg,
		RequestObjectEncryptionEnc:   p.RequestObjectEncryptionEnc,
		LogoURI:                      p.LogoURI,
		ClientURI:                    p.ClientURI,
		TosURI:                       p.TosURI,
		InitiateLoginURI:             p.InitiateLoginURI,
		RequestURIs:                  slices.Clone(p.RequestURIs),
		DefaultMaxAge:                p.DefaultMaxAge,
	}
	if c.TokenEndpointAuthMethod == "" {
		c.TokenEndpointAuthMethod = AuthMethodClientSecretBasic
	}
	if p.Jwks != nil {
		c.JSONWebKeys = slices.Clone(p.Jwks.Keys)
	}
	if len(c.AllowedScopes) == 0 {
		c.AllowedScopes = []string{"openid"}
	}
	return c
}
