package oauth

import (
	"context"
	"net/url"
	"slices"
)

// AuthorizationCodeGrantTypeParameterAuthEdpValidator validates authorization
// endpoint requests.
type AuthorizationCodeGrantTypeParameterAuthEdpValidator struct {
	clients *ClientValidator
}

// NewAuthorizationCodeGrantTypeParameterAuthEdpValidator constructs the validator.
func NewAuthorizationCodeGrantTypeParameterAuthEdpValidator(clients *ClientValidator) *AuthorizationCodeGrantTypeParameterAuthEdpValidator {
	return &AuthorizationCodeGrantTypeParameterAuthEdpValidator{clients: clients}
}

// Validate returns an invalid_request error carrying the request state on the
// first failed check.
func (v *AuthorizationCodeGrantTypeParameterAuthEdpValidator) Validate(ctx context.Context, param *AuthorizationParameter) error {
	if param == nil {
		return missingArgument("authorization parameter")
	}
	fail := func(format string, args ...any) error {
		return Errorf(ErrCodeInvalidRequest, format, args...).WithState(param.State)
	}

	required := []struct{ name, value string }{
		{"scope", param.Scope},
		{"client_id", param.ClientID},
		{"redirect_uri", param.RedirectURI},
		{"response_type", param.ResponseType},
	}
	for _, r := range required {
		if r.value == "" {
			return fail(descMissingParameter, r.name)
		}
	}

	for _, rt := range ParseResponseTypes(param.ResponseType) {
		if !slices.Contains(supportedResponseTypes, rt) {
			return fail(descResponseTypeNotSupported)
		}
	}

	if param.Prompt != "" {
		prompts := ParsePrompts(param.Prompt)
		for _, p := range prompts {
			if !slices.Contains(supportedPrompts, p) {
				return fail(descPromptNotSupported)
			}
		}
		if slices.Contains(prompts, PromptNone) && len(distinct(prompts)) > 1 {
			return fail(descPromptNoneOnly)
		}
	}

	if !IsWellFormedAbsoluteURI(param.RedirectURI) {
		return fail(descRedirectURINotWellFormed)
	}

	client, err := v.clients.ValidateClientExist(ctx, param.ClientID)
	if err != nil {
		return err
	}
	if client == nil {
		return fail(descClientIDNotValid, param.ClientID)
	}
	if v.clients.ValidateRedirectionURL(param.RedirectURI, client) == "" {
		return fail(descRedirectURLNotValid, param.RedirectURI)
	}
	return nil
}

// TokenRequest is the form of a token endpoint request.
type TokenRequest struct {
	GrantType    GrantType
	Code         string
	RedirectURI  string
	CodeVerifier string
	Username     string
	Password     string
	Scope        string
	RefreshToken string
	Client       ClientCredentials
}

// ClientCredentials is everything a client may present to authenticate.
type ClientCredentials struct {
	BasicClientID       string
	BasicClientSecret   string
	FormClientID        string
	FormClientSecret    string
	ClientAssertion     string
	ClientAssertionType string
}

// ClientID returns the identifier the client claims, preferring HTTP basic.
func (c ClientCredentials) ClientID() string {
	if c.BasicClientID != "" {
		return c.BasicClientID
	}
	return c.FormClientID
}

func requireParameters(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return Errorf(ErrCodeInvalidRequest, descMissingParameter, pairs[i])
		}
	}
	return nil
}

// AuthorizationCodeGrantTypeParameterTokenEdpValidator validates the
// authorization_code grant at the token endpoint.
type AuthorizationCodeGrantTypeParameterTokenEdpValidator struct{}

// Validate requires code and redirect_uri, and a well formed redirect_uri.
func (AuthorizationCodeGrantTypeParameterTokenEdpValidator) Validate(req *TokenRequest) error {
	if req == nil {
		return missingArgument("token request")
	}
	if err := requireParameters("code", req.Code, "redirect_uri", req.RedirectURI); err != nil {
		return err
	}
	if !IsWellFormedAbsoluteURI(req.RedirectURI) {
		return NewError(ErrCodeInvalidRequest, descRedirectURINotWellFormed)
	}
	return nil
}

// ResourceOwnerGrantTypeParameterValidator validates the password grant.
type ResourceOwnerGrantTypeParameterValidator struct{}

// Validate requires username and password.
func (ResourceOwnerGrantTypeParameterValidator) Validate(req *TokenRequest) error {
	if req == nil {
		return missingArgument("token request")
	}
	return requireParameters("username", req.Username, "password", req.Password)
}

// ClientCredentialsGrantTypeParameterValidator validates the client_credentials grant.
type ClientCredentialsGrantTypeParameterValidator struct{}

// Validate requires scope.
func (ClientCredentialsGrantTypeParameterValidator) Validate(req *TokenRequest) error {
	if req == nil {
		return missingArgument("token request")
	}
	return requireParameters("scope", req.Scope)
}

// RefreshTokenGrantTypeParameterValidator validates the refresh_token grant.
type RefreshTokenGrantTypeParameterValidator struct{}

// Validate requires refresh_token.
func (RefreshTokenGrantTypeParameterValidator) Validate(req *TokenRequest) error {
	if req == nil {
		return missingArgument("token request")
	}
	return requireParameters("refresh_token", req.RefreshToken)
}

// IsWellFormedAbsoluteURI reports whether s parses as an absolute RFC 3986 URI with a host.
func IsWellFormedAbsoluteURI(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != "" && u.Opaque == ""
}
