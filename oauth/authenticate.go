package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ParamRequest is the redirect parameter carrying the protected authorization
// request between the login, consent and authorize pages.
const ParamRequest = "code"

// AuthenticateHelper decides where an authenticated user goes next: to the
// consent page, or straight back to the client with the authorization response.
type AuthenticateHelper struct {
	clients  ClientRepository
	consents *ConsentHelper
	response *GenerateAuthorizationResponse
}

// NewAuthenticateHelper constructs an AuthenticateHelper.
func NewAuthenticateHelper(clients ClientRepository, consents *ConsentHelper, response *GenerateAuthorizationResponse) *AuthenticateHelper {
	return &AuthenticateHelper{clients: clients, consents: consents, response: response}
}

// ProcessRedirection sends the user to the consent page when prompt=consent
// or no matching consent exists; otherwise it generates the authorization
// response for the client. request is the protected authorization request
// forwarded to the consent page.
func (h *AuthenticateHelper) ProcessRedirection(ctx context.Context, param *AuthorizationParameter, request string, principal Principal) (*ActionResult, error) {
	if param == nil {
		return nil, missingArgument("authorizationParameter")
	}
	client, err := h.clients.GetClientByID(ctx, param.ClientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if client == nil {
		return nil, clientNotValid(param.ClientID)
	}

	if slices.Contains(ParsePrompts(param.Prompt), PromptConsent) {
		return redirectToAction(ActionNameConsentIndex, request), nil
	}

	consent, err := h.consents.GetConfirmedConsent(ctx, principal.Subject(), param)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		return redirectToAction(ActionNameConsentIndex, request), nil
	}

	result := NewRedirectToCallBackURLResult()
	if err := h.response.Execute(ctx, result, param, principal, client); err != nil {
		return nil, err
	}
	return result, nil
}

func redirectToAction(action Action, request string) *ActionResult {
	result := NewRedirectToActionResult(action)
	if request != "" {
		result.RedirectInstruction.AddParameter(ParamRequest, request)
	}
	return result
}

// LocalAuthenticationParameter holds the credentials posted to the login page.
type LocalAuthenticationParameter struct {
	Login    string
	Password string
}

// AuthenticationResult is the outcome of a login: where to go next and the
// principal to store in the session.
type AuthenticationResult struct {
	ActionResult *ActionResult
	Principal    Principal
}

// AuthenticateActions authenticates resource owners on the login pages.
type AuthenticateActions struct {
	owners *ResourceOwnerValidator
	helper *AuthenticateHelper
	events EventSource
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticateActions constructs the login actions.
func NewAuthenticateActions(owners *ResourceOwnerValidator, helper *AuthenticateHelper, events EventSource, logger *slog.Logger) *AuthenticateActions {
	if events == nil {
		events = NopEventSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthenticateActions{owners: owners, helper: helper, events: events, logger: logger, now: time.Now}
}

// AuthenticateResourceOwner handles a visit to the login page by a user that
// may already hold a session. Without a session, or with prompt=login, the
// result has no effect and the caller shows the login form.
func (a *AuthenticateActions) AuthenticateResourceOwner(ctx context.Context, param *AuthorizationParameter, principal Principal, request string) (*ActionResult, error) {
	if param == nil {
		return nil, missingArgument("authorizationParameter")
	}
	if !principal.IsAuthenticated() || slices.Contains(ParsePrompts(param.Prompt), PromptLogin) {
		return NewNoEffectResult(), nil
	}
	return a.helper.ProcessRedirection(ctx, param, request, principal)
}

// LocalUserAuthentication checks the posted credentials of a local account
// and continues the authorization request. Bad credentials yield an
// *AuthenticationError.
func (a *AuthenticateActions) LocalUserAuthentication(ctx context.Context, creds LocalAuthenticationParameter, param *AuthorizationParameter, request string) (*AuthenticationResult, error) {
	if param == nil {
		return nil, missingArgument("authorizationParameter")
	}
	owner, err := a.owners.ValidateCredentials(ctx, creds.Login, creds.Password)
	if err != nil {
		return nil, err
	}

	principal := NewPrincipal(owner.ID, a.now(), owner.Claims)
	principal[ClaimAuthenticationMethod] = []string{"password"}
	a.events.AuthenticateResourceOwner(owner.ID)
	a.logger.Info("resource owner authenticated", "sub", owner.ID, "client_id", param.ClientID)

	result, err := a.helper.ProcessRedirection(ctx, param, request, principal)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{ActionResult: result, Principal: principal}, nil
}

// ExternalUserAuthentication continues the authorization request for a user
// authenticated by an upstream provider. The subject is namespaced by the
// provider name so that upstream identifiers never collide with local ones.
func (a *AuthenticateActions) ExternalUserAuthentication(ctx context.Context, provider string, claims map[string]any, param *AuthorizationParameter, request string) (*AuthenticationResult, error) {
	if len(claims) == 0 {
		return nil, missingArgument("claims")
	}
	if param == nil {
		return nil, missingArgument("authorizationParameter")
	}
	if request == "" {
		return nil, missingArgument("code")
	}
	upstream := Principal(claims).Subject()
	if upstream == "" {
		return nil, &AuthenticationError{Description: "the external provider returned no subject"}
	}

	subject := provider + ":" + upstream
	principal := NewPrincipal(subject, a.now(), claims)
	principal[ClaimAuthenticationMethod] = []string{provider}
	a.events.AuthenticateResourceOwner(subject)
	a.logger.Info("external user authenticated", "sub", subject, "provider", provider, "client_id", param.ClientID)

	result, err := a.helper.ProcessRedirection(ctx, param, request, principal)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{ActionResult: result, Principal: principal}, nil
}
