package oauth

import (
	"context"
	"net/http"

	"github.com/go-jose/go-jose/v3"
)

// ClientRepository looks clients up by identifier. An unknown id yields (nil, nil).
type ClientRepository interface {
	GetClientByID(ctx context.Context, clientID string) (*Client, error)
}

// ClientWriter persists newly registered clients.
type ClientWriter interface {
	InsertClient(ctx context.Context, client *Client) error
}

// ScopeRepository resolves scope names to their metadata.
type ScopeRepository interface {
	SearchByNames(ctx context.Context, names []string) ([]Scope, error)
}

// ResourceOwnerRepository looks local accounts up by login. An unknown login yields (nil, nil).
type ResourceOwnerRepository interface {
	GetResourceOwner(ctx context.Context, login string) (*ResourceOwner, error)
}

// ConsentRepository stores consents granted by resource owners.
type ConsentRepository interface {
	GetConsentsForUser(ctx context.Context, subject string) ([]Consent, error)
	InsertConsent(ctx context.Context, consent Consent) error
}

// TokenStore persists granted tokens. Lookups of unknown tokens yield (nil, nil).
type TokenStore interface {
	AddToken(ctx context.Context, token *GrantedToken) error
	GetAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error)
	GetRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)
	SearchTokens(ctx context.Context, clientID, subject, scope string) ([]*GrantedToken, error)
	RemoveAccessToken(ctx context.Context, accessToken string) error
	RemoveRefreshToken(ctx context.Context, refreshToken string) error
}

// AuthorizationCodeStore persists codes. ConsumeAuthorizationCode must return a
// code at most once; an unknown or already consumed code yields (nil, nil).
type AuthorizationCodeStore interface {
	AddAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// KeyRepository exposes the server's own keys, private material included.
type KeyRepository interface {
	Keys(ctx context.Context) ([]jose.JSONWebKey, error)
}

// HTTPClient performs the outbound requests for jwks_uri and sector_identifier_uri.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// EventSource receives fire and forget telemetry. Implementations must not block.
type EventSource interface {
	AuthenticateResourceOwner(subject string)
	GrantAccessToClient(clientID, accessToken, scopes string)
	GrantAuthorizationCodeToClient(clientID, code, scopes string)
	StartGeneratingAuthorizationResponseToClient(clientID, responseTypes string)
	EndGeneratingAuthorizationResponseToClient(clientID, responseTypes, parameters string)
	RevokeToken(clientID, token string)
	IntrospectToken(clientID string, active bool)
}

// NopEventSource discards every event.
type NopEventSource struct{}

func (NopEventSource) AuthenticateResourceOwner(string)                                  {}
func (NopEventSource) GrantAccessToClient(string, string, string)                        {}
func (NopEventSource) GrantAuthorizationCodeToClient(string, string, string)             {}
func (NopEventSource) StartGeneratingAuthorizationResponseToClient(string, string)       {}
func (NopEventSource) EndGeneratingAuthorizationResponseToClient(string, string, string) {}
func (NopEventSource) RevokeToken(string, string)                                        {}
func (NopEventSource) IntrospectToken(string, bool)                                      {}
