// Package storage implements the repositories and stores of the oauth
// package, in memory and on Redis, plus browser sessions and pending
// upstream logins.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"idserver/oauth"
)

// ErrClientExists is returned when registering a client_id that is already taken.
var ErrClientExists = errors.New("client already exists")

// Session is an authenticated browser session.
type Session struct {
	ID        string         `json:"id"`
	Subject   string         `json:"sub"`
	Provider  string         `json:"provider,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	AuthTime  time.Time      `json:"auth_time"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Principal rebuilds the claims principal of the session user.
func (s *Session) Principal() oauth.Principal {
	if s == nil {
		return nil
	}
	return oauth.NewPrincipal(s.Subject, s.AuthTime, s.Claims)
}

// AuthRequest tracks an outstanding upstream authentication, keyed by the
// state sent to the upstream provider.
type AuthRequest struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Request      string    `json:"request"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Catalog is the static data loaded from configuration.
type Catalog struct {
	Clients []*oauth.Client
	Scopes  []oauth.Scope
	Owners  []*oauth.ResourceOwner
}

// NewID generates a random identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

func cloneClient(c *oauth.Client) *oauth.Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	cp.GrantTypes = append([]oauth.GrantType(nil), c.GrantTypes...)
	cp.ResponseTypes = append([]oauth.ResponseType(nil), c.ResponseTypes...)
	cp.RequestURIs = append([]string(nil), c.RequestURIs...)
	return &cp
}
