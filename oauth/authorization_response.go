package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"idserver/jwtkit"
)

// Authorization response parameter names.
const (
	ParamAccessToken = "access_token"
	ParamIDToken     = "id_token"
	ParamCode        = "code"
	ParamState       = "state"
	ParamRedirectURI = "redirect_uri"
	ParamTokenType   = "token_type"
	ParamExpiresIn   = "expires_in"
)

// GenerateAuthorizationResponse finishes an authorization request: it issues
// or reuses the access token, creates the code and signs the id_token the
// request asked for, then decides how the parameters reach the client.
type GenerateAuthorizationResponse struct {
	generator      *JwtGenerator
	issuer         *TokenIssuer
	tokenValidator *GrantedTokenValidator
	consents       *ConsentHelper
	tokens         TokenStore
	codes          AuthorizationCodeStore
	events         EventSource
	logger         *slog.Logger
	now            func() time.Time
}

// NewGenerateAuthorizationResponse constructs the action.
func NewGenerateAuthorizationResponse(
	generator *JwtGenerator,
	issuer *TokenIssuer,
	consents *ConsentHelper,
	tokens TokenStore,
	codes AuthorizationCodeStore,
	events EventSource,
	logger *slog.Logger,
) *GenerateAuthorizationResponse {
	if events == nil {
		events = NopEventSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateAuthorizationResponse{
		generator:      generator,
		issuer:         issuer,
		tokenValidator: NewGrantedTokenValidator(tokens),
		consents:       consents,
		tokens:         tokens,
		codes:          codes,
		events:         events,
		logger:         logger,
		now:            time.Now,
	}
}

// Execute fills result with the authorization response for param. All four
// inputs are mandatory and are checked before any side effect.
func (g *GenerateAuthorizationResponse) Execute(ctx context.Context, result *ActionResult, param *AuthorizationParameter, principal Principal, client *Client) error {
	if result == nil || result.RedirectInstruction == nil {
		return missingArgument("actionResult")
	}
	if param == nil {
		return missingArgument("authorizationParameter")
	}
	if !principal.IsAuthenticated() {
		return missingArgument("claimsPrincipal")
	}
	if client == nil {
		return missingArgument("client")
	}

	instruction := result.RedirectInstruction
	g.events.StartGeneratingAuthorizationResponseToClient(param.ClientID, param.ResponseType)
	defer func() {
		g.events.EndGeneratingAuthorizationResponseToClient(param.ClientID, param.ResponseType, parametersJSON(instruction.Parameters))
	}()

	idTokenPayload, err := g.idTokenPayload(ctx, principal, param)
	if err != nil {
		return err
	}
	userInfoPayload, err := g.userInfoPayload(ctx, principal, param)
	if err != nil {
		return err
	}

	responseTypes := ParseResponseTypes(param.ResponseType)
	subject := principal.Subject()

	var (
		grantedToken    *GrantedToken
		newTokenGranted bool
		code            *AuthorizationCode
	)

	if slices.Contains(responseTypes, ResponseTypeToken) {
		scope := strings.Join(ParseScopes(param.Scope), " ")
		grantedToken, err = g.tokenValidator.GetValidGrantedToken(ctx, scope, param.ClientID, subject)
		if err != nil {
			return err
		}
		if grantedToken == nil {
			grantedToken, err = g.issuer.GrantToken(GrantRequest{
				ClientID:        param.ClientID,
				Subject:         subject,
				Scope:           scope,
				IDTokenPayload:  idTokenPayload,
				UserInfoPayload: userInfoPayload,
			})
			if err != nil {
				return err
			}
			newTokenGranted = true
		}
		instruction.AddParameter(ParamAccessToken, grantedToken.AccessToken)
	}

	if slices.Contains(responseTypes, ResponseTypeCode) {
		consent, err := g.consents.GetConfirmedConsent(ctx, subject, param)
		if err != nil {
			return err
		}
		if consent != nil {
			code = &AuthorizationCode{
				Code:            uuid.NewString(),
				ClientID:        param.ClientID,
				RedirectURI:     param.RedirectURI,
				Scopes:          param.Scope,
				Subject:         subject,
				IDTokenPayload:  idTokenPayload,
				UserInfoPayload: userInfoPayload,
				CreateDateTime:  g.now(),
			}
			if client.RequirePKCE {
				code.CodeChallenge = param.CodeChallenge
				code.CodeChallengeMethod = param.CodeChallengeMethod
			}
			instruction.AddParameter(ParamCode, code.Code)
		}
	}

	accessToken, codeValue := "", ""
	if grantedToken != nil {
		accessToken = grantedToken.AccessToken
	}
	if code != nil {
		codeValue = code.Code
	}
	if err := g.generator.FillInOtherClaimsIdentityTokenPayload(idTokenPayload, codeValue, accessToken, client); err != nil {
		return err
	}

	if newTokenGranted {
		if err := g.tokens.AddToken(ctx, grantedToken); err != nil {
			return fmt.Errorf("add token: %w", err)
		}
		g.events.GrantAccessToClient(param.ClientID, grantedToken.AccessToken, grantedToken.Scope)
	}
	if code != nil {
		if err := g.codes.AddAuthorizationCode(ctx, code); err != nil {
			return fmt.Errorf("add authorization code: %w", err)
		}
		g.events.GrantAuthorizationCodeToClient(param.ClientID, code.Code, code.Scopes)
	}

	if slices.Contains(responseTypes, ResponseTypeIDToken) {
		idToken, err := g.generator.SignAndEncryptIDToken(ctx, idTokenPayload, client)
		if err != nil {
			return err
		}
		instruction.AddParameter(ParamIDToken, idToken)
	}

	if param.State != "" {
		instruction.AddParameter(ParamState, param.State)
	}

	if param.ResponseMode == ResponseModeFormPost {
		result.Type = ActionRedirectToAction
		instruction.Action = ActionNameFormIndex
		instruction.ResponseMode = ResponseModeFormPost
		instruction.AddParameter(ParamRedirectURI, param.RedirectURI)
	}

	if result.Type == ActionRedirectToCallBackURL {
		mode := param.ResponseMode
		if mode == ResponseModeNone {
			if flow, ok := DetectAuthorizationFlow(responseTypes); ok {
				mode = DefaultResponseMode(flow)
			}
		}
		instruction.ResponseMode = mode
	}

	g.logger.Info("authorization response generated",
		"client_id", param.ClientID,
		"response_type", param.ResponseType,
		"response_mode", string(instruction.ResponseMode),
		"token_reused", grantedToken != nil && !newTokenGranted,
	)
	return nil
}

func (g *GenerateAuthorizationResponse) idTokenPayload(ctx context.Context, principal Principal, param *AuthorizationParameter) (jwtkit.Payload, error) {
	if len(param.Claims.IDToken) > 0 {
		return g.generator.GenerateFilteredIDTokenPayload(ctx, principal, param, param.Claims.IDToken)
	}
	return g.generator.GenerateIDTokenPayloadForScopes(ctx, principal, param)
}

func (g *GenerateAuthorizationResponse) userInfoPayload(ctx context.Context, principal Principal, param *AuthorizationParameter) (jwtkit.Payload, error) {
	if len(param.Claims.UserInfo) > 0 {
		return g.generator.GenerateFilteredUserInfoPayload(param.Claims.UserInfo, principal, param)
	}
	return g.generator.GenerateUserInfoPayloadForScope(ctx, principal, param)
}
