package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"idserver/jwtkit"
	"idserver/oauth"
	"idserver/storage"
)

const localProviderName = "local"

// Store is everything the HTTP service persists: the oauth repositories,
// browser sessions and pending upstream logins.
type Store interface {
	oauth.ClientRepository
	oauth.ClientWriter
	oauth.ScopeRepository
	oauth.ResourceOwnerRepository
	oauth.ConsentRepository
	oauth.TokenStore
	oauth.AuthorizationCodeStore
	SessionStore
	SaveAuthRequest(ctx context.Context, req storage.AuthRequest) error
	ConsumeAuthRequest(ctx context.Context, id string) (*storage.AuthRequest, error)
}

// KeyStore holds the server's keys: private material for signing and
// decryption, public halves for the jwks endpoint.
type KeyStore interface {
	oauth.KeyRepository
	oauth.AccessTokenSigner
	PublicJWKS() jose.JSONWebKeySet
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     Store
	Keys      KeyStore
	Sessions  *SessionManager
	Providers map[string]IdentityProvider
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler

	defaultProvider string
	protector       *RequestProtector
	parser          *oauth.JwtParser
	clients         *oauth.ClientValidator
	authorization   *oauth.AuthorizationActions
	authenticate    *oauth.AuthenticateActions
	tokens          *oauth.TokenActions
	registration    *oauth.RegistrationParameterValidator
	now             func() time.Time
}

// Dependencies are the collaborators NewApp wires together.
type Dependencies struct {
	Store     Store
	Keys      KeyStore
	Events    oauth.EventSource
	Providers map[string]IdentityProvider
	Metrics   http.Handler
	// HTTPClient fetches client jwks_uri and sector_identifier_uri documents.
	HTTPClient oauth.HTTPClient
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, deps Dependencies, logger *slog.Logger) (*App, error) {
	if deps.Store == nil || deps.Keys == nil {
		return nil, errors.New("store and key store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = oauth.NopEventSource{}
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	jwksTTL := cfg.Server.JWKSCacheTTL
	if jwksTTL <= 0 {
		jwksTTL = DefaultJWKSCacheTTL
	}
	issuer := cfg.Issuer()
	store := deps.Store

	fetcher := oauth.NewJwksFetcher(httpClient, jwksTTL)
	generator := oauth.NewJwtGenerator(oauth.JwtGeneratorConfig{
		Issuer:          issuer,
		IDTokenLifetime: cfg.Tokens.IDTokenTTL,
		DefaultSignAlg:  jwtkit.JwsAlg(cfg.Tokens.IDTokenAlg),
	}, store, deps.Keys, fetcher)
	parser := oauth.NewJwtParser(store, deps.Keys, fetcher)
	issuerSvc := oauth.NewTokenIssuer(oauth.TokenIssuerConfig{
		Issuer:     issuer,
		AccessTTL:  cfg.Tokens.AccessTTL,
		RefreshTTL: cfg.Tokens.RefreshTTL,
	}, deps.Keys, logger)

	consents := oauth.NewConsentHelper(store)
	response := oauth.NewGenerateAuthorizationResponse(generator, issuerSvc, consents, store, store, events, logger)
	helper := oauth.NewAuthenticateHelper(store, consents, response)
	clients := oauth.NewClientValidator(store)
	owners := oauth.NewResourceOwnerValidator(store)

	defaultProvider := cfg.Providers.Default
	if _, ok := deps.Providers[defaultProvider]; !ok {
		defaultProvider = ""
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		Store:           store,
		Keys:            deps.Keys,
		Sessions:        NewSessionManager(cfg, store, logger),
		Providers:       deps.Providers,
		Metrics:         deps.Metrics,
		defaultProvider: defaultProvider,
		protector:       NewRequestProtector(deps.Keys, parser, 0),
		parser:          parser,
		clients:         clients,
		authorization:   oauth.NewAuthorizationActions(clients, consents, helper, response, logger),
		authenticate:    oauth.NewAuthenticateActions(owners, helper, events, logger),
		tokens: oauth.NewTokenActions(oauth.TokenActionsConfig{
			CodeTTL:   cfg.Tokens.CodeTTL,
			Audiences: []string{issuer, issuer + "/token"},
		}, oauth.NewClientAuthenticator(store, parser), clients, owners, issuerSvc, generator, store, store, events, logger),
		registration: oauth.NewRegistrationParameterValidator(httpClient),
		now:          time.Now,
	}, nil
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildDiscoveryDocument(a.Config, a.providerNames()))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

// handleAuthorize serves the authorization endpoint (GET and POST).
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the request cannot be parsed"))
		return
	}
	ctx := r.Context()

	values := r.Form
	if object := values.Get("request"); object != "" {
		payload, err := a.requestObject(ctx, object, values.Get("client_id"))
		if err != nil {
			a.authorizeError(w, r, nil, err)
			return
		}
		values = mergeValues(values, requestObjectValues(payload))
	}

	param, err := parseAuthorizationParameter(values)
	if err != nil {
		a.authorizeError(w, r, nil, err)
		return
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	var principal oauth.Principal
	if sess != nil {
		principal = sess.Principal()
		param.SessionID = sess.ID
	}

	request, err := a.protector.Protect(ctx, param)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	result, err := a.authorization.GetAuthorization(ctx, param, principal, request)
	if err != nil {
		a.authorizeError(w, r, param, err)
		return
	}
	a.applyActionResult(w, r, result, param)
}

// requestObject decrypts (when encrypted to the server) and verifies an
// OpenID Connect request object sent by clientID.
func (a *App) requestObject(ctx context.Context, object, clientID string) (jwtkit.Payload, error) {
	invalid := oauth.NewError(oauth.ErrCodeInvalidRequest, "the request object is not valid")
	if clientID == "" {
		return nil, oauth.Errorf(oauth.ErrCodeInvalidRequest, "the parameter %s is missing", "client_id")
	}
	client, err := a.clients.ValidateClientExist(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, oauth.Errorf(oauth.ErrCodeInvalidRequest, "the client id %s is not valid", clientID)
	}

	if a.parser.IsJweToken(object) {
		plain, err := a.parser.DecryptWithServerKey(ctx, object)
		if err != nil {
			if errors.Is(err, oauth.ErrTokenNotVerifiable) {
				return nil, invalid
			}
			return nil, err
		}
		object = plain
	}

	hdr, err := jwtkit.ReadJwsHeader(object)
	if err != nil {
		return nil, invalid
	}
	if hdr.Alg == string(jwtkit.JwsNone) && client.RequestObjectSigningAlg != string(jwtkit.JwsNone) {
		return nil, invalid
	}
	payload, err := a.parser.UnSign(ctx, object, clientID)
	if err != nil {
		if errors.Is(err, oauth.ErrTokenNotVerifiable) {
			return nil, invalid
		}
		return nil, err
	}
	if cid := payload.String("client_id"); cid != "" && cid != clientID {
		return nil, invalid
	}
	return payload, nil
}

// authorizeError answers an authorization request failure. The error goes
// back to the client only when its redirect_uri is registered; otherwise the
// user agent gets a JSON body.
func (a *App) authorizeError(w http.ResponseWriter, r *http.Request, param *oauth.AuthorizationParameter, err error) {
	oe, ok := oauth.AsError(err)
	if !ok || param == nil || !a.redirectable(r.Context(), param) {
		writeError(w, a.Logger, err)
		return
	}
	mode := param.ResponseMode
	if mode == oauth.ResponseModeNone {
		mode = oauth.ResponseModeQuery
		if flow, ok := oauth.DetectAuthorizationFlow(oauth.ParseResponseTypes(param.ResponseType)); ok {
			mode = oauth.DefaultResponseMode(flow)
		}
	}
	if oe.State == "" && param.State != "" {
		oe = oe.WithState(param.State)
	}
	redirectError(w, r, param.RedirectURI, mode, oe)
}

func (a *App) redirectable(ctx context.Context, param *oauth.AuthorizationParameter) bool {
	if param.ClientID == "" || param.RedirectURI == "" {
		return false
	}
	client, err := a.clients.ValidateClientExist(ctx, param.ClientID)
	if err != nil || client == nil {
		return false
	}
	return a.clients.ValidateRedirectionURL(param.RedirectURI, client) != ""
}

// redirectToLogin sends the user to an upstream provider when one is named by
// the idp parameter or configured as default, and to the login page otherwise.
func (a *App) redirectToLogin(w http.ResponseWriter, r *http.Request, instruction *oauth.RedirectInstruction, param *oauth.AuthorizationParameter) {
	request, _ := instruction.Parameter(oauth.ParamRequest)

	provider := r.FormValue("idp")
	if provider == "" {
		provider = a.defaultProvider
	}
	if provider != "" && provider != localProviderName {
		if _, ok := a.Providers[provider]; ok {
			a.startUpstreamLogin(w, r, provider, request)
			return
		}
		a.authorizeError(w, r, param, oauth.Errorf(oauth.ErrCodeInvalidRequest, "the identity provider %s is not configured", provider))
		return
	}
	http.Redirect(w, r, a.Config.Issuer()+"/authenticate?"+instruction.Values().Encode(), http.StatusFound)
}

func (a *App) startUpstreamLogin(w http.ResponseWriter, r *http.Request, provider, request string) {
	pending := storage.AuthRequest{
		ID:           storage.NewID(),
		Provider:     provider,
		Request:      request,
		Nonce:        storage.NewID(),
		CodeVerifier: oauth2.GenerateVerifier(),
		CreatedAt:    a.now(),
	}
	if err := a.Store.SaveAuthRequest(r.Context(), pending); err != nil {
		writeError(w, a.Logger, fmt.Errorf("save auth request: %w", err))
		return
	}
	target := a.Providers[provider].AuthCodeURL(pending.ID, pending.Nonce, pending.CodeVerifier)
	http.Redirect(w, r, target, http.StatusFound)
}

type loginPage struct {
	Request   string   `json:"request"`
	ClientID  string   `json:"client_id"`
	Scope     string   `json:"scope"`
	Local     bool     `json:"local"`
	Providers []string `json:"providers"`
}

// handleAuthenticateIndex describes the login step of a pending request. A
// user who already holds a session continues without logging in again.
func (a *App) handleAuthenticateIndex(w http.ResponseWriter, r *http.Request) {
	request := r.URL.Query().Get(oauth.ParamRequest)
	param, err := a.protector.Unprotect(r.Context(), request)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	if provider := r.URL.Query().Get("idp"); provider != "" && provider != localProviderName {
		if _, ok := a.Providers[provider]; !ok {
			writeError(w, a.Logger, oauth.Errorf(oauth.ErrCodeInvalidRequest, "the identity provider %s is not configured", provider))
			return
		}
		a.startUpstreamLogin(w, r, provider, request)
		return
	}

	principal, err := a.Sessions.Principal(r)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	result, err := a.authenticate.AuthenticateResourceOwner(r.Context(), param, principal, request)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	if result.Type != oauth.ActionNoEffect {
		a.applyActionResult(w, r, result, param)
		return
	}
	writeJSON(w, http.StatusOK, loginPage{
		Request:   request,
		ClientID:  param.ClientID,
		Scope:     param.Scope,
		Local:     len(a.Config.ResourceOwners) > 0,
		Providers: a.providerNames(),
	})
}

// handleLocalLogin checks the posted credentials of a local account.
func (a *App) handleLocalLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the request cannot be parsed"))
		return
	}
	request := r.PostForm.Get(oauth.ParamRequest)
	param, err := a.protector.Unprotect(r.Context(), request)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	res, err := a.authenticate.LocalUserAuthentication(r.Context(), oauth.LocalAuthenticationParameter{
		Login:    r.PostForm.Get("login"),
		Password: r.PostForm.Get("password"),
	}, param, request)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	if _, err := a.Sessions.Create(w, r, localProviderName, res.Principal); err != nil {
		writeError(w, a.Logger, err)
		return
	}
	a.applyActionResult(w, r, res.ActionResult, param)
}

// handleCallback completes a login at an upstream provider.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "idp")
	q := r.URL.Query()

	pending, err := a.Store.ConsumeAuthRequest(ctx, q.Get("state"))
	if err != nil {
		writeError(w, a.Logger, fmt.Errorf("consume auth request: %w", err))
		return
	}
	if pending == nil || pending.Provider != provider {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the login state is unknown or expired"))
		return
	}
	param, err := a.protector.Unprotect(ctx, pending.Request)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("upstream login failed", "provider", provider, "error", upstreamErr)
		a.authorizeError(w, r, param, oauth.NewError("access_denied", "the identity provider refused the login").WithState(param.State))
		return
	}
	idp, ok := a.Providers[provider]
	if !ok {
		writeError(w, a.Logger, oauth.Errorf(oauth.ErrCodeInvalidRequest, "the identity provider %s is not configured", provider))
		return
	}

	claims, err := idp.Exchange(ctx, q.Get("code"), pending.CodeVerifier, pending.Nonce)
	if err != nil {
		a.Logger.Warn("upstream exchange failed", "provider", provider, "error", err)
		writeError(w, a.Logger, &oauth.AuthenticationError{Description: "the identity provider login could not be verified"})
		return
	}
	res, err := a.authenticate.ExternalUserAuthentication(ctx, provider, claims, param, pending.Request)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	if _, err := a.Sessions.Create(w, r, provider, res.Principal); err != nil {
		writeError(w, a.Logger, err)
		return
	}
	a.applyActionResult(w, r, res.ActionResult, param)
}

type consentPage struct {
	Request    string   `json:"request"`
	ClientID   string   `json:"client_id"`
	ClientName string   `json:"client_name,omitempty"`
	Scopes     []string `json:"scopes"`
	Claims     []string `json:"claims,omitempty"`
}

// handleConsentIndex describes what the client asks the user to grant.
func (a *App) handleConsentIndex(w http.ResponseWriter, r *http.Request) {
	request := r.URL.Query().Get(oauth.ParamRequest)
	param, client, ok := a.consentRequest(w, r, request)
	if !ok {
		return
	}
	page := consentPage{
		Request:    request,
		ClientID:   client.ClientID,
		ClientName: client.ClientName,
		Scopes:     oauth.ParseScopes(param.Scope),
	}
	for _, c := range param.Claims.IDToken {
		page.Claims = append(page.Claims, c.Name)
	}
	for _, c := range param.Claims.UserInfo {
		if !slices.Contains(page.Claims, c.Name) {
			page.Claims = append(page.Claims, c.Name)
		}
	}
	writeJSON(w, http.StatusOK, page)
}

// handleConsentConfirm records the user's decision. Posting cancel sends
// access_denied back to the client.
func (a *App) handleConsentConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the request cannot be parsed"))
		return
	}
	param, _, ok := a.consentRequest(w, r, r.PostForm.Get(oauth.ParamRequest))
	if !ok {
		return
	}
	if r.PostForm.Get("cancel") != "" {
		a.authorizeError(w, r, param, oauth.NewError("access_denied", "the user denied the request").WithState(param.State))
		return
	}
	principal, err := a.Sessions.Principal(r)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	result, err := a.authorization.ConfirmConsent(r.Context(), param, principal)
	if err != nil {
		a.authorizeError(w, r, param, err)
		return
	}
	a.applyActionResult(w, r, result, param)
}

// consentRequest resolves the protected request of a consent page. Users
// without a session are sent to the login step first.
func (a *App) consentRequest(w http.ResponseWriter, r *http.Request, request string) (*oauth.AuthorizationParameter, *oauth.Client, bool) {
	param, err := a.protector.Unprotect(r.Context(), request)
	if err != nil {
		writeError(w, a.Logger, err)
		return nil, nil, false
	}
	principal, err := a.Sessions.Principal(r)
	if err != nil {
		writeError(w, a.Logger, err)
		return nil, nil, false
	}
	if !principal.IsAuthenticated() {
		instruction := &oauth.RedirectInstruction{Action: oauth.ActionNameLogin}
		instruction.AddParameter(oauth.ParamRequest, request)
		http.Redirect(w, r, a.Config.Issuer()+"/authenticate?"+instruction.Values().Encode(), http.StatusFound)
		return nil, nil, false
	}
	client, err := a.clients.ValidateClientExist(r.Context(), param.ClientID)
	if err != nil {
		writeError(w, a.Logger, err)
		return nil, nil, false
	}
	if client == nil {
		writeError(w, a.Logger, oauth.Errorf(oauth.ErrCodeInvalidRequest, "the client id %s is not valid", param.ClientID))
		return nil, nil, false
	}
	return param, client, true
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the request cannot be parsed"))
		return
	}
	token, err := a.tokens.GetToken(r.Context(), parseTokenRequest(r))
	if err != nil {
		if oauth.IsAuthenticationError(err) {
			err = oauth.NewError(oauth.ErrCodeInvalidGrant, err.Error())
		}
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		IDToken:      token.IDToken,
		Scope:        token.Scope,
	})
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the request cannot be parsed"))
		return
	}
	out, err := a.tokens.Introspect(r.Context(), clientCredentials(r), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the request cannot be parsed"))
		return
	}
	if err := a.tokens.Revoke(r.Context(), clientCredentials(r), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); err != nil {
		writeError(w, a.Logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleUserInfo accepts the access token as a bearer header or, on POST, as
// the access_token form field (RFC 6750 2.1 and 2.2).
func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r)
	if token == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			token = r.PostForm.Get("access_token")
		}
	}
	info, err := a.tokens.UserInfo(r.Context(), token)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	if info.JWT != "" {
		w.Header().Set("Content-Type", "application/jwt")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(info.JWT))
		return
	}
	writeJSON(w, http.StatusOK, info.Payload)
}

type registrationResponse struct {
	*oauth.Client
	ClientIDIssuedAt      int64 `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at"`
}

// handleRegistration implements dynamic client registration (OpenID Connect
// Dynamic Client Registration 1.0).
func (a *App) handleRegistration(w http.ResponseWriter, r *http.Request) {
	var param oauth.RegistrationParameter
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&param); err != nil {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidClientMetadata, "the registration request is not valid json"))
		return
	}
	validated, err := a.registration.Validate(r.Context(), &param)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}

	secret := ""
	switch oauth.TokenEndpointAuthMethod(validated.TokenEndpointAuthMethod) {
	case oauth.AuthMethodNone, oauth.AuthMethodPrivateKeyJWT:
	default:
		secret, err = randomSecret()
		if err != nil {
			writeError(w, a.Logger, err)
			return
		}
	}
	client := validated.ToClient(uuid.NewString(), secret)
	if err := a.Store.InsertClient(r.Context(), client); err != nil {
		writeError(w, a.Logger, fmt.Errorf("insert client: %w", err))
		return
	}
	a.Logger.Info("client registered", "client_id", client.ClientID, "auth_method", client.TokenEndpointAuthMethod)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, registrationResponse{
		Client:           client,
		ClientIDIssuedAt: a.now().Unix(),
	})
}

// handleLogout ends the browser session. A post_logout_redirect_uri is only
// followed when it is registered for client_id.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	a.Sessions.Clear(w, r)

	target := r.Form.Get("post_logout_redirect_uri")
	if target == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	client, err := a.clients.ValidateClientExist(r.Context(), r.Form.Get("client_id"))
	if err != nil || client == nil || a.clients.ValidateRedirectionURL(target, client) == "" {
		writeError(w, a.Logger, oauth.NewError(oauth.ErrCodeInvalidRequest, "the post_logout_redirect_uri is not registered"))
		return
	}
	if state := r.Form.Get("state"); state != "" {
		target, _ = withResponseParameters(target, url.Values{"state": {state}}, oauth.ResponseModeQuery)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) providerNames() []string {
	names := make([]string, 0, len(a.Providers))
	for name := range a.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
