// Package oauth holds the protocol core of idserver: request validators, the
// authorization and token actions, and id_token generation and parsing. It
// depends only on the repository interfaces in interfaces.go.
package oauth

import (
	"time"

	"github.com/go-jose/go-jose/v3"

	"idserver/jwtkit"
)

// GrantType is an OAuth2 grant type.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeImplicit          GrantType = "implicit"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypePassword          GrantType = "password"
	GrantTypeUmaTicket         GrantType = "uma_ticket"
)

// ResponseType is one token of the space delimited response_type parameter.
type ResponseType string

const (
	ResponseTypeCode    ResponseType = "code"
	ResponseTypeToken   ResponseType = "token"
	ResponseTypeIDToken ResponseType = "id_token"
)

// ResponseMode selects how authorization response parameters reach the client.
type ResponseMode string

const (
	ResponseModeNone     ResponseMode = ""
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFragment ResponseMode = "fragment"
	ResponseModeFormPost ResponseMode = "form_post"
)

// PromptParameter is one token of the prompt parameter.
type PromptParameter string

const (
	PromptNone          PromptParameter = "none"
	PromptLogin         PromptParameter = "login"
	PromptConsent       PromptParameter = "consent"
	PromptSelectAccount PromptParameter = "select_account"
)

// ApplicationType is the registered kind of client application.
type ApplicationType string

const (
	ApplicationTypeWeb    ApplicationType = "web"
	ApplicationTypeNative ApplicationType = "native"
)

// TokenEndpointAuthMethod is how a client authenticates at the token endpoint.
type TokenEndpointAuthMethod string

const (
	AuthMethodClientSecretBasic TokenEndpointAuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  TokenEndpointAuthMethod = "client_secret_post"
	AuthMethodClientSecretJWT   TokenEndpointAuthMethod = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     TokenEndpointAuthMethod = "private_key_jwt"
	AuthMethodNone              TokenEndpointAuthMethod = "none"
)

// Client records the registered metadata of a relying party.
type Client struct {
	ClientID                     string                  `json:"client_id"`
	ClientName                   string                  `json:"client_name,omitempty"`
	Secret                       string                  `json:"client_secret,omitempty"`
	RedirectURIs                 []string                `json:"redirect_uris"`
	AllowedScopes                []string                `json:"allowed_scopes,omitempty"`
	GrantTypes                   []GrantType             `json:"grant_types,omitempty"`
	ResponseTypes                []ResponseType          `json:"response_types,omitempty"`
	ApplicationType              ApplicationType         `json:"application_type,omitempty"`
	TokenEndpointAuthMethod      TokenEndpointAuthMethod `json:"token_endpoint_auth_method,omitempty"`
	JSONWebKeys                  []jose.JSONWebKey       `json:"jwks,omitempty"`
	JwksURI                      string                  `json:"jwks_uri,omitempty"`
	SectorIdentifierURI          string                  `json:"sector_identifier_uri,omitempty"`
	IDTokenSignedResponseAlg     string                  `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg  string                  `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc  string                  `json:"id_token_encrypted_response_enc,omitempty"`
	UserInfoSignedResponseAlg    string                  `json:"userinfo_signed_response_alg,omitempty"`
	UserInfoEncryptedResponseAlg string                  `json:"userinfo_encrypted_response_alg,omitempty"`
	UserInfoEncryptedResponseEnc string                  `json:"userinfo_encrypted_response_enc,omitempty"`
	RequestObjectSigningAlg      string                  `json:"request_object_signing_alg,omitempty"`
	RequestObjectEncryptionAlg   string                  `json:"request_object_encryption_alg,omitempty"`
	RequestObjectEncryptionEnc   string                  `json:"request_object_encryption_enc,omitempty"`
	RequirePKCE                  bool                    `json:"require_pkce,omitempty"`
	LogoURI                      string                  `json:"logo_uri,omitempty"`
	ClientURI                    string                  `json:"client_uri,omitempty"`
	TosURI                       string                  `json:"tos_uri,omitempty"`
	InitiateLoginURI             string                  `json:"initiate_login_uri,omitempty"`
	RequestURIs                  []string                `json:"request_uris,omitempty"`
	DefaultMaxAge                int64                   `json:"default_max_age,omitempty"`
}

// IsPublic reports whether the client authenticates without a secret or key.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// ClaimParameter is one entry of the OpenID claims request parameter.
type ClaimParameter struct {
	Name      string
	Essential bool
	Value     string
	Values    []string
}

// HasValue reports whether the request pins the claim to a single value.
func (c ClaimParameter) HasValue() bool { return c.Value != "" }

// HasValues reports whether the request restricts the claim to a value set.
func (c ClaimParameter) HasValues() bool { return len(c.Values) > 0 }

// ClaimsParameter holds the claims requested for the id_token and for userinfo.
type ClaimsParameter struct {
	IDToken  []ClaimParameter
	UserInfo []ClaimParameter
}

// IsEmpty reports whether no claim was requested at all.
func (c ClaimsParameter) IsEmpty() bool {
	return len(c.IDToken) == 0 && len(c.UserInfo) == 0
}

// AuthorizationParameter is one authorization request, built per request.
type AuthorizationParameter struct {
	ClientID            string
	Scope               string
	RedirectURI         string
	ResponseType        string
	ResponseMode        ResponseMode
	Prompt              string
	MaxAge              int64
	Nonce               string
	State               string
	Claims              ClaimsParameter
	SessionID           string
	CodeChallenge       string
	CodeChallengeMethod string
	AcrValues           string
}

// GrantedToken is an issued access token, its refresh token and the payloads
// it was issued with.
type GrantedToken struct {
	AccessToken     string         `json:"access_token"`
	RefreshToken    string         `json:"refresh_token,omitempty"`
	IDToken         string         `json:"id_token,omitempty"`
	TokenType       string         `json:"token_type"`
	Scope           string         `json:"scope"`
	ClientID        string         `json:"client_id"`
	Subject         string         `json:"sub,omitempty"`
	CreateDateTime  time.Time      `json:"create_date_time"`
	ExpiresIn       int64          `json:"expires_in"`
	IDTokenPayload  jwtkit.Payload `json:"id_token_payload,omitempty"`
	UserInfoPayload jwtkit.Payload `json:"userinfo_payload,omitempty"`
	ParentRefresh   string         `json:"parent_refresh_token,omitempty"`
}

// ExpiresAt is the instant after which the token is no longer valid.
func (t *GrantedToken) ExpiresAt() time.Time {
	return t.CreateDateTime.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether now is past CreateDateTime + ExpiresIn.
func (t *GrantedToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt())
}

// AuthorizationCode is a single use credential exchanged at the token endpoint.
type AuthorizationCode struct {
	Code                string         `json:"code"`
	ClientID            string         `json:"client_id"`
	RedirectURI         string         `json:"redirect_uri"`
	Scopes              string         `json:"scopes"`
	Subject             string         `json:"sub"`
	IDTokenPayload      jwtkit.Payload `json:"id_token_payload,omitempty"`
	UserInfoPayload     jwtkit.Payload `json:"userinfo_payload,omitempty"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod string         `json:"code_challenge_method,omitempty"`
	CreateDateTime      time.Time      `json:"create_date_time"`
}

// Consent records the scopes and claims a resource owner granted a client.
type Consent struct {
	ID       string   `json:"id"`
	ClientID string   `json:"client_id"`
	Subject  string   `json:"sub"`
	Scopes   []string `json:"scopes"`
	Claims   []string `json:"claims,omitempty"`
}

// ResourceOwner is a local user account.
type ResourceOwner struct {
	ID           string         `json:"id"`
	PasswordHash string         `json:"password_hash"`
	Claims       map[string]any `json:"claims,omitempty"`
	IsLocal      bool           `json:"is_local"`
}

// Scope describes an OAuth2 scope and the claims it exposes.
type Scope struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	IsOpenIDScope bool     `json:"is_openid_scope"`
	IsExposed     bool     `json:"is_exposed"`
	Claims        []string `json:"claims,omitempty"`
}
