package oauth

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// PKCE code challenge methods.
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// AuthorizationActions serves the authorization endpoint.
type AuthorizationActions struct {
	params   *AuthorizationCodeGrantTypeParameterAuthEdpValidator
	clients  *ClientValidator
	scopes   ScopeValidator
	consents *ConsentHelper
	helper   *AuthenticateHelper
	response *GenerateAuthorizationResponse
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthorizationActions constructs the authorization endpoint actions.
func NewAuthorizationActions(clients *ClientValidator, consents *ConsentHelper, helper *AuthenticateHelper, response *GenerateAuthorizationResponse, logger *slog.Logger) *AuthorizationActions {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationActions{
		params:   NewAuthorizationCodeGrantTypeParameterAuthEdpValidator(clients),
		clients:  clients,
		consents: consents,
		helper:   helper,
		response: response,
		logger:   logger,
		now:      time.Now,
	}
}

// GetAuthorization validates an authorization request and decides the next
// step: the login page, the consent page or the client's redirect URI.
// principal is the session user and may be nil. request is the protected
// authorization request forwarded to the login and consent pages.
func (a *AuthorizationActions) GetAuthorization(ctx context.Context, param *AuthorizationParameter, principal Principal, request string) (*ActionResult, error) {
	if err := a.params.Validate(ctx, param); err != nil {
		return nil, err
	}
	client, err := a.clients.ValidateClientExist(ctx, param.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, Errorf(ErrCodeInvalidRequest, descClientIDNotValid, param.ClientID).WithState(param.State)
	}
	if err := a.checkClient(param, client); err != nil {
		return nil, err
	}

	prompts := ParsePrompts(param.Prompt)
	authenticated := principal.IsAuthenticated() && !a.authenticationTooOld(param, client, principal)

	if slices.Contains(prompts, PromptNone) {
		if !authenticated {
			return nil, NewError(ErrCodeLoginRequired, descUserNotAuthenticated).WithState(param.State)
		}
		consent, err := a.consents.GetConfirmedConsent(ctx, principal.Subject(), param)
		if err != nil {
			return nil, err
		}
		if consent == nil {
			return nil, NewError(ErrCodeConsentRequired, descUserConsentNeeded).WithState(param.State)
		}
		result := NewRedirectToCallBackURLResult()
		if err := a.response.Execute(ctx, result, param, principal, client); err != nil {
			return nil, err
		}
		return result, nil
	}

	if !authenticated || slices.Contains(prompts, PromptLogin) || slices.Contains(prompts, PromptSelectAccount) {
		a.logger.Debug("authorization requires login", "client_id", param.ClientID)
		return redirectToAction(ActionNameLogin, request), nil
	}
	return a.helper.ProcessRedirection(ctx, param, request, principal)
}

// ConfirmConsent records the user's consent for the request and answers the client.
func (a *AuthorizationActions) ConfirmConsent(ctx context.Context, param *AuthorizationParameter, principal Principal) (*ActionResult, error) {
	if param == nil {
		return nil, missingArgument("authorizationParameter")
	}
	if !principal.IsAuthenticated() {
		return nil, missingArgument("claimsPrincipal")
	}
	client, err := a.clients.ValidateClientExist(ctx, param.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, clientNotValid(param.ClientID)
	}
	if _, err := a.consents.Confirm(ctx, principal.Subject(), param); err != nil {
		return nil, err
	}
	result := NewRedirectToCallBackURLResult()
	if err := a.response.Execute(ctx, result, param, principal, client); err != nil {
		return nil, err
	}
	a.logger.Info("consent confirmed", "sub", principal.Subject(), "client_id", param.ClientID)
	return result, nil
}

// checkClient verifies the request against the client's registration:
// scopes, response and grant types, nonce and PKCE.
func (a *AuthorizationActions) checkClient(param *AuthorizationParameter, client *Client) error {
	scopes, err := a.scopes.ValidateScopes(param.Scope, client)
	if err != nil {
		if oe, ok := AsError(err); ok {
			return oe.WithState(param.State)
		}
		return err
	}

	responseTypes := ParseResponseTypes(param.ResponseType)
	if !a.clients.ValidateResponseTypes(client, responseTypes...) {
		return Errorf(ErrCodeUnauthorizedClient, descResponseTypeNotAllowed, client.ClientID, param.ResponseType).WithState(param.State)
	}

	flow, ok := DetectAuthorizationFlow(responseTypes)
	if !ok {
		return NewError(ErrCodeInvalidRequest, descResponseTypeNotSupported).WithState(param.State)
	}
	for _, gt := range flowGrantTypes(flow) {
		if !a.clients.ValidateGrantType(gt, client) {
			return Errorf(ErrCodeUnauthorizedClient, descGrantTypeNotSupported, client.ClientID, gt).WithState(param.State)
		}
	}

	if slices.Contains(responseTypes, ResponseTypeIDToken) {
		if !slices.Contains(scopes, "openid") {
			return NewError(ErrCodeInvalidScope, descOpenIDScopeMissing).WithState(param.State)
		}
		if flow != AuthorizationCodeFlow && param.Nonce == "" {
			return NewError(ErrCodeInvalidRequest, descNonceMissing).WithState(param.State)
		}
	}

	if client.RequirePKCE && slices.Contains(responseTypes, ResponseTypeCode) {
		if param.CodeChallenge == "" {
			return Errorf(ErrCodeInvalidRequest, descCodeChallengeMissing, client.ClientID).WithState(param.State)
		}
		switch param.CodeChallengeMethod {
		case "", CodeChallengeMethodPlain, CodeChallengeMethodS256:
		default:
			return Errorf(ErrCodeInvalidRequest, descCodeChallengeMethod, param.CodeChallengeMethod).WithState(param.State)
		}
	}
	return nil
}

// authenticationTooOld reports whether max_age (or the client's default) has
// elapsed since the session user logged in.
func (a *AuthorizationActions) authenticationTooOld(param *AuthorizationParameter, client *Client, principal Principal) bool {
	maxAge := param.MaxAge
	if maxAge <= 0 {
		maxAge = client.DefaultMaxAge
	}
	if maxAge <= 0 {
		return false
	}
	at, ok := principal.AuthenticationInstant()
	if !ok {
		return true
	}
	return a.now().After(at.Add(time.Duration(maxAge) * time.Second))
}

func flowGrantTypes(flow AuthorizationFlow) []GrantType {
	switch flow {
	case AuthorizationCodeFlow:
		return []GrantType{GrantTypeAuthorizationCode}
	case ImplicitFlow:
		return []GrantType{GrantTypeImplicit}
	case HybridFlow:
		return []GrantType{GrantTypeAuthorizationCode, GrantTypeImplicit}
	}
	return nil
}
