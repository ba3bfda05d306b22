package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"idserver/oauth"
)

// Memory keeps clients, scopes and accounts from configuration together with
// the ephemeral state of tokens, codes, consents and sessions.
type Memory struct {
	mu           sync.RWMutex
	clients      map[string]*oauth.Client
	scopes       map[string]oauth.Scope
	owners       map[string]*oauth.ResourceOwner
	consents     map[string][]oauth.Consent
	tokens       map[string]*oauth.GrantedToken
	refresh      map[string]string
	codes        map[string]*oauth.AuthorizationCode
	sessions     map[string]Session
	authRequests map[string]AuthRequest
	now          func() time.Time
}

// NewMemory constructs the store from the configured catalogue.
func NewMemory(cat Catalog) (*Memory, error) {
	m := &Memory{
		clients:      make(map[string]*oauth.Client, len(cat.Clients)),
		scopes:       make(map[string]oauth.Scope, len(cat.Scopes)),
		owners:       make(map[string]*oauth.ResourceOwner, len(cat.Owners)),
		consents:     make(map[string][]oauth.Consent),
		tokens:       make(map[string]*oauth.GrantedToken),
		refresh:      make(map[string]string),
		codes:        make(map[string]*oauth.AuthorizationCode),
		sessions:     make(map[string]Session),
		authRequests: make(map[string]AuthRequest),
		now:          time.Now,
	}
	for _, c := range cat.Clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("client_id required")
		}
		if _, dup := m.clients[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client %s", c.ClientID)
		}
		m.clients[c.ClientID] = cloneClient(c)
	}
	for _, s := range cat.Scopes {
		m.scopes[s.Name] = s
	}
	for _, o := range cat.Owners {
		if o.ID == "" {
			return nil, fmt.Errorf("resource owner id required")
		}
		m.owners[o.ID] = o
	}
	return m, nil
}

// GetClientByID returns a copy of the client, or nil when unknown.
func (m *Memory) GetClientByID(_ context.Context, clientID string) (*oauth.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneClient(m.clients[clientID]), nil
}

// InsertClient registers a new client.
func (m *Memory) InsertClient(_ context.Context, client *oauth.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client.ClientID]; ok {
		return fmt.Errorf("%w: %s", ErrClientExists, client.ClientID)
	}
	m.clients[client.ClientID] = cloneClient(client)
	return nil
}

// SearchByNames returns the known scopes among names. Unknown names are skipped.
func (m *Memory) SearchByNames(_ context.Context, names []string) ([]oauth.Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []oauth.Scope
	for _, n := range names {
		if s, ok := m.scopes[n]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Scopes lists every configured scope.
func (m *Memory) Scopes() []oauth.Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]oauth.Scope, 0, len(m.scopes))
	for _, s := range m.scopes {
		out = append(out, s)
	}
	return out
}

// GetResourceOwner looks a local account up by login.
func (m *Memory) GetResourceOwner(_ context.Context, login string) (*oauth.ResourceOwner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[login], nil
}

// GetConsentsForUser lists the consents of subject.
func (m *Memory) GetConsentsForUser(_ context.Context, subject string) ([]oauth.Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]oauth.Consent(nil), m.consents[subject]...), nil
}

// InsertConsent stores a consent, replacing one with the same id.
func (m *Memory) InsertConsent(_ context.Context, consent oauth.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.consents[consent.Subject]
	for i := range list {
		if list[i].ID == consent.ID {
			list[i] = consent
			return nil
		}
	}
	m.consents[consent.Subject] = append(list, consent)
	return nil
}

// AddToken stores a granted token and indexes its refresh token.
func (m *Memory) AddToken(_ context.Context, token *oauth.GrantedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.AccessToken] = token
	if token.RefreshToken != "" {
		m.refresh[token.RefreshToken] = token.AccessToken
	}
	return nil
}

// GetAccessToken looks a token up by its access token.
func (m *Memory) GetAccessToken(_ context.Context, accessToken string) (*oauth.GrantedToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[accessToken], nil
}

// GetRefreshToken looks a token up by its refresh token.
func (m *Memory) GetRefreshToken(_ context.Context, refreshToken string) (*oauth.GrantedToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	access, ok := m.refresh[refreshToken]
	if !ok {
		return nil, nil
	}
	return m.tokens[access], nil
}

// SearchTokens lists the tokens issued to clientID for subject with exactly scope.
func (m *Memory) SearchTokens(_ context.Context, clientID, subject, scope string) ([]*oauth.GrantedToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*oauth.GrantedToken
	for _, t := range m.tokens {
		if t.ClientID == clientID && t.Subject == subject && t.Scope == scope {
			out = append(out, t)
		}
	}
	return out, nil
}

// RemoveAccessToken deletes the token and its refresh token.
func (m *Memory) RemoveAccessToken(_ context.Context, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(accessToken)
	return nil
}

// RemoveRefreshToken deletes the token owning refreshToken.
func (m *Memory) RemoveRefreshToken(_ context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if access, ok := m.refresh[refreshToken]; ok {
		m.removeLocked(access)
	}
	delete(m.refresh, refreshToken)
	return nil
}

func (m *Memory) removeLocked(accessToken string) {
	if t, ok := m.tokens[accessToken]; ok && t.RefreshToken != "" {
		delete(m.refresh, t.RefreshToken)
	}
	delete(m.tokens, accessToken)
}

// AddAuthorizationCode stores a code.
func (m *Memory) AddAuthorizationCode(_ context.Context, code *oauth.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

// ConsumeAuthorizationCode returns the code and deletes it atomically.
func (m *Memory) ConsumeAuthorizationCode(_ context.Context, code string) (*oauth.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	delete(m.codes, code)
	return c, nil
}

// SaveSession stores or replaces a session.
func (m *Memory) SaveSession(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a live session by ID. Expired sessions are dropped.
func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if !sess.ExpiresAt.IsZero() && m.now().After(sess.ExpiresAt) {
		delete(m.sessions, id)
		return nil, nil
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// SaveAuthRequest stores a pending upstream login.
func (m *Memory) SaveAuthRequest(_ context.Context, req AuthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authRequests[req.ID] = req
	return nil
}

// ConsumeAuthRequest fetches and deletes a pending upstream login.
func (m *Memory) ConsumeAuthRequest(_ context.Context, id string) (*AuthRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.authRequests[id]
	if !ok {
		return nil, nil
	}
	delete(m.authRequests, id)
	return &req, nil
}
