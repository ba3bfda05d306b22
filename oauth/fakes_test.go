package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// fakeStore backs every repository interface with maps.
type fakeStore struct {
	mu       sync.Mutex
	clients  map[string]*Client
	owners   map[string]*ResourceOwner
	consents []Consent
	tokens   []*GrantedToken
	codes    map[string]*AuthorizationCode
	scopes   []Scope

	addTokenCalls int
	addTokenErr   error
}

func newFakeStore(clients ...*Client) *fakeStore {
	s := &fakeStore{
		clients: map[string]*Client{},
		owners:  map[string]*ResourceOwner{},
		codes:   map[string]*AuthorizationCode{},
	}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	return s
}

func (s *fakeStore) GetClientByID(_ context.Context, id string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id], nil
}

func (s *fakeStore) SearchByNames(_ context.Context, names []string) ([]Scope, error) {
	var out []Scope
	for _, sc := range s.scopes {
		for _, n := range names {
			if sc.Name == n {
				out = append(out, sc)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetResourceOwner(_ context.Context, login string) (*ResourceOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[login], nil
}

func (s *fakeStore) GetConsentsForUser(_ context.Context, subject string) ([]Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Consent
	for _, c := range s.consents {
		if c.Subject == subject {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertConsent(_ context.Context, c Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents = append(s.consents, c)
	return nil
}

func (s *fakeStore) AddToken(_ context.Context, t *GrantedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTokenCalls++
	if s.addTokenErr != nil {
		return s.addTokenErr
	}
	s.tokens = append(s.tokens, t)
	return nil
}

func (s *fakeStore) GetAccessToken(_ context.Context, access string) (*GrantedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.AccessToken == access {
			return t, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetRefreshToken(_ context.Context, refresh string) (*GrantedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if refresh != "" && t.RefreshToken == refresh {
			return t, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) SearchTokens(_ context.Context, clientID, subject, scope string) ([]*GrantedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*GrantedToken
	for _, t := range s.tokens {
		if t.ClientID == clientID && t.Subject == subject && t.Scope == scope {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) remove(match func(*GrantedToken) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, t := range s.tokens {
		if !match(t) {
			kept = append(kept, t)
		}
	}
	s.tokens = kept
}

func (s *fakeStore) RemoveAccessToken(_ context.Context, access string) error {
	s.remove(func(t *GrantedToken) bool { return t.AccessToken == access })
	return nil
}

func (s *fakeStore) RemoveRefreshToken(_ context.Context, refresh string) error {
	s.remove(func(t *GrantedToken) bool { return t.RefreshToken == refresh })
	return nil
}

func (s *fakeStore) AddAuthorizationCode(_ context.Context, c *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
	return nil
}

func (s *fakeStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.codes[code]
	delete(s.codes, code)
	return c, nil
}

type staticKeys []jose.JSONWebKey

func (k staticKeys) Keys(context.Context) ([]jose.JSONWebKey, error) { return k, nil }

// rsaSigner signs access tokens with a single RS256 key.
type rsaSigner struct {
	key *rsa.PrivateKey
	kid string
}

func (s *rsaSigner) Sign(claims jwt.MapClaims) (string, string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	return signed, s.kid, err
}

func (s *rsaSigner) Keyfunc(tok *jwt.Token) (any, error) {
	if kid, _ := tok.Header["kid"].(string); kid != s.kid {
		return nil, errors.New("unknown kid")
	}
	return &s.key.PublicKey, nil
}

type event struct {
	name string
	args []any
}

type recordingEvents struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingEvents) add(name string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{name: name, args: args})
}

func (r *recordingEvents) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *recordingEvents) AuthenticateResourceOwner(sub string) { r.add("AuthenticateResourceOwner", sub) }
func (r *recordingEvents) GrantAccessToClient(c, t, s string)   { r.add("GrantAccessToClient", c, t, s) }
func (r *recordingEvents) GrantAuthorizationCodeToClient(c, code, s string) {
	r.add("GrantAuthorizationCodeToClient", c, code, s)
}
func (r *recordingEvents) StartGeneratingAuthorizationResponseToClient(c, rt string) {
	r.add("StartGeneratingAuthorizationResponseToClient", c, rt)
}
func (r *recordingEvents) EndGeneratingAuthorizationResponseToClient(c, rt, p string) {
	r.add("EndGeneratingAuthorizationResponseToClient", c, rt, p)
}
func (r *recordingEvents) RevokeToken(c, t string)           { r.add("RevokeToken", c, t) }
func (r *recordingEvents) IntrospectToken(c string, a bool) { r.add("IntrospectToken", c, a) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// sharedRSAKey amortises key generation across tests.
func sharedRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err == nil {
			testKey = k
		}
	})
	require.NotNil(t, testKey)
	return testKey
}

const testIssuer = "https://idp.test"

// harness wires the whole core over a fakeStore.
type harness struct {
	store     *fakeStore
	events    *recordingEvents
	keys      staticKeys
	generator *JwtGenerator
	parser    *JwtParser
	issuer    *TokenIssuer
	response  *GenerateAuthorizationResponse
	helper    *AuthenticateHelper
	authorize *AuthorizationActions
	login     *AuthenticateActions
	token     *TokenActions
}

func newHarness(t *testing.T, clients ...*Client) *harness {
	t.Helper()
	priv := sharedRSAKey(t)
	keys := staticKeys{{Key: priv, KeyID: "server-sig", Algorithm: "RS256", Use: "sig"}}
	store := newFakeStore(clients...)
	events := &recordingEvents{}
	logger := discardLogger()

	fetcher := NewJwksFetcher(nil, -1)
	generator := NewJwtGenerator(JwtGeneratorConfig{Issuer: testIssuer, IDTokenLifetime: time.Hour}, store, keys, fetcher)
	parser := NewJwtParser(store, keys, fetcher)
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: testIssuer, AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}, &rsaSigner{key: priv, kid: "server-sig"}, logger)
	consents := NewConsentHelper(store)
	response := NewGenerateAuthorizationResponse(generator, issuer, consents, store, store, events, logger)
	helper := NewAuthenticateHelper(store, consents, response)
	validator := NewClientValidator(store)

	return &harness{
		store:     store,
		events:    events,
		keys:      keys,
		generator: generator,
		parser:    parser,
		issuer:    issuer,
		response:  response,
		helper:    helper,
		authorize: NewAuthorizationActions(validator, consents, helper, response, logger),
		login:     NewAuthenticateActions(NewResourceOwnerValidator(store), helper, events, logger),
		token: NewTokenActions(TokenActionsConfig{Audiences: []string{testIssuer}},
			NewClientAuthenticator(store, parser), validator, NewResourceOwnerValidator(store),
			issuer, generator, store, store, events, logger),
	}
}

func webClient() *Client {
	return &Client{
		ClientID:      "c1",
		Secret:        "s3cret",
		RedirectURIs:  []string{"https://app.test/cb"},
		AllowedScopes: []string{"openid", "profile", "email"},
		GrantTypes:    []GrantType{GrantTypeAuthorizationCode, GrantTypeImplicit, GrantTypeRefreshToken, GrantTypePassword, GrantTypeClientCredentials},
		ResponseTypes: []ResponseType{ResponseTypeCode, ResponseTypeToken, ResponseTypeIDToken},
	}
}

func alice() Principal {
	return NewPrincipal("alice", time.Now().Add(-time.Minute), map[string]any{
		ClaimName:  "Alice Liddell",
		ClaimEmail: "alice@example.test",
	})
}
