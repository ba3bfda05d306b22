package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idserver/jwtkit"
	"idserver/oauth"
)

// backend is everything both stores implement.
type backend interface {
	oauth.ClientRepository
	oauth.ClientWriter
	oauth.ScopeRepository
	oauth.ResourceOwnerRepository
	oauth.ConsentRepository
	oauth.TokenStore
	oauth.AuthorizationCodeStore
	SaveSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	SaveAuthRequest(ctx context.Context, req AuthRequest) error
	ConsumeAuthRequest(ctx context.Context, id string) (*AuthRequest, error)
}

func testCatalog() Catalog {
	return Catalog{
		Clients: []*oauth.Client{{
			ClientID:      "web",
			Secret:        "s3cret",
			RedirectURIs:  []string{"https://app.test/cb"},
			AllowedScopes: []string{"openid", "profile"},
		}},
		Scopes: []oauth.Scope{
			{Name: "openid", IsOpenIDScope: true, IsExposed: true, Claims: []string{"sub"}},
			{Name: "profile", IsOpenIDScope: true, IsExposed: true, Claims: []string{"name"}},
		},
		Owners: []*oauth.ResourceOwner{{ID: "alice", IsLocal: true, Claims: map[string]any{"name": "Alice"}}},
	}
}

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(testCatalog())
	require.NoError(t, err)
	return m
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, "idserver:", newMemory(t)), mr
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend { return newMemory(t) },
		"redis": func(t *testing.T) backend {
			s, _ := newRedis(t)
			return s
		},
	}
}

func TestClients(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			c, err := s.GetClientByID(ctx, "web")
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, "s3cret", c.Secret)

			missing, err := s.GetClientByID(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			registered := &oauth.Client{ClientID: "dyn", RedirectURIs: []string{"https://dyn.test/cb"}}
			require.NoError(t, s.InsertClient(ctx, registered))
			got, err := s.GetClientByID(ctx, "dyn")
			require.NoError(t, err)
			assert.Equal(t, []string{"https://dyn.test/cb"}, got.RedirectURIs)

			assert.True(t, errors.Is(s.InsertClient(ctx, registered), ErrClientExists))
			assert.True(t, errors.Is(s.InsertClient(ctx, &oauth.Client{ClientID: "web"}), ErrClientExists))
		})
	}
}

func TestClientCopiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	c, _ := m.GetClientByID(ctx, "web")
	c.RedirectURIs[0] = "https://evil.test"
	again, _ := m.GetClientByID(ctx, "web")
	assert.Equal(t, "https://app.test/cb", again.RedirectURIs[0])
}

func TestScopesAndOwners(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			scopes, err := s.SearchByNames(ctx, []string{"profile", "unknown", "openid"})
			require.NoError(t, err)
			require.Len(t, scopes, 2)
			assert.Equal(t, "profile", scopes[0].Name)

			owner, err := s.GetResourceOwner(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "Alice", owner.Claims["name"])
			none, err := s.GetResourceOwner(ctx, "bob")
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestConsents(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.InsertConsent(ctx, oauth.Consent{ID: "c-1", ClientID: "web", Subject: "alice", Scopes: []string{"openid"}}))
			require.NoError(t, s.InsertConsent(ctx, oauth.Consent{ID: "c-1", ClientID: "web", Subject: "alice", Scopes: []string{"openid", "profile"}}))
			require.NoError(t, s.InsertConsent(ctx, oauth.Consent{ID: "c-2", ClientID: "web", Subject: "bob"}))

			consents, err := s.GetConsentsForUser(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, consents, 1)
			assert.Equal(t, []string{"openid", "profile"}, consents[0].Scopes)
		})
	}
}

func sampleToken(access, refresh string) *oauth.GrantedToken {
	return &oauth.GrantedToken{
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenType:       "Bearer",
		Scope:           "openid profile",
		ClientID:        "web",
		Subject:         "alice",
		CreateDateTime:  time.Now().UTC().Truncate(time.Second),
		ExpiresIn:       3600,
		UserInfoPayload: jwtkit.Payload{"sub": "alice", "name": "Alice"},
	}
}

func TestTokens(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.AddToken(ctx, sampleToken("at-1", "rt-1")))
			require.NoError(t, s.AddToken(ctx, sampleToken("at-2", "")))

			byAccess, err := s.GetAccessToken(ctx, "at-1")
			require.NoError(t, err)
			require.NotNil(t, byAccess)
			assert.Equal(t, "rt-1", byAccess.RefreshToken)
			assert.Equal(t, "Alice", byAccess.UserInfoPayload.String("name"))

			byRefresh, err := s.GetRefreshToken(ctx, "rt-1")
			require.NoError(t, err)
			require.NotNil(t, byRefresh)
			assert.Equal(t, "at-1", byRefresh.AccessToken)

			found, err := s.SearchTokens(ctx, "web", "alice", "openid profile")
			require.NoError(t, err)
			assert.Len(t, found, 2)
			other, err := s.SearchTokens(ctx, "web", "alice", "openid")
			require.NoError(t, err)
			assert.Empty(t, other)

			require.NoError(t, s.RemoveRefreshToken(ctx, "rt-1"))
			gone, err := s.GetAccessToken(ctx, "at-1")
			require.NoError(t, err)
			assert.Nil(t, gone, "removing the refresh token removes the whole grant")
			gone, err = s.GetRefreshToken(ctx, "rt-1")
			require.NoError(t, err)
			assert.Nil(t, gone)

			require.NoError(t, s.RemoveAccessToken(ctx, "at-2"))
			found, err = s.SearchTokens(ctx, "web", "alice", "openid profile")
			require.NoError(t, err)
			assert.Empty(t, found)

			require.NoError(t, s.RemoveAccessToken(ctx, "unknown"))
			require.NoError(t, s.RemoveRefreshToken(ctx, "unknown"))
		})
	}
}

func TestAuthorizationCodesAreSingleUse(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.AddAuthorizationCode(ctx, &oauth.AuthorizationCode{
				Code: "code-1", ClientID: "web", Subject: "alice", RedirectURI: "https://app.test/cb",
				CodeChallenge: "abc", CodeChallengeMethod: "S256", CreateDateTime: time.Now(),
			}))

			code, err := s.ConsumeAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			require.NotNil(t, code)
			assert.Equal(t, "S256", code.CodeChallengeMethod)

			again, err := s.ConsumeAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			assert.Nil(t, again)
		})
	}
}

func TestSessionsAndAuthRequests(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			now := time.Now().UTC().Truncate(time.Second)
			sess := Session{ID: "sess-1", Subject: "alice", AuthTime: now, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
			require.NoError(t, s.SaveSession(ctx, sess))

			got, err := s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			p := got.Principal()
			assert.Equal(t, "alice", p.Subject())
			at, ok := p.AuthenticationInstant()
			require.True(t, ok)
			assert.Equal(t, now.Unix(), at.Unix())

			require.NoError(t, s.DeleteSession(ctx, "sess-1"))
			got, err = s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Nil(t, got)

			require.NoError(t, s.SaveAuthRequest(ctx, AuthRequest{ID: "state-1", Provider: "google", Request: "req", Nonce: "n"}))
			req, err := s.ConsumeAuthRequest(ctx, "state-1")
			require.NoError(t, err)
			require.NotNil(t, req)
			assert.Equal(t, "google", req.Provider)
			req, err = s.ConsumeAuthRequest(ctx, "state-1")
			require.NoError(t, err)
			assert.Nil(t, req)
		})
	}
}

func TestMemorySessionExpiry(t *testing.T) {
	m := newMemory(t)
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, m.SaveSession(ctx, Session{ID: "s", Subject: "alice", ExpiresAt: now.Add(time.Minute)}))

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	got, err := m.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisKeysAndTTL(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()
	require.NoError(t, s.AddAuthorizationCode(ctx, &oauth.AuthorizationCode{Code: "c"}))
	require.NoError(t, s.AddToken(ctx, sampleToken("at", "rt")))

	assert.True(t, mr.Exists("idserver:code:c"))
	assert.Equal(t, DefaultCodeTTL, mr.TTL("idserver:code:c"))
	assert.True(t, mr.Exists("idserver:token:access:at"))
	assert.True(t, mr.Exists("idserver:token:refresh:rt"))

	mr.FastForward(DefaultCodeTTL + time.Second)
	code, err := s.ConsumeAuthorizationCode(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, code)
}

func TestRedisSessionRejectsExpired(t *testing.T) {
	s, _ := newRedis(t)
	err := s.SaveSession(context.Background(), Session{ID: "old", ExpiresAt: time.Now().Add(-time.Minute)})
	require.Error(t, err)
}

func TestRedisSearchPrunesStaleMembers(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()
	require.NoError(t, s.AddToken(ctx, sampleToken("at", "")))
	mr.Del("idserver:token:access:at")

	found, err := s.SearchTokens(ctx, "web", "alice", "openid profile")
	require.NoError(t, err)
	assert.Empty(t, found)
	members, _ := mr.Members("idserver:token:index:web|alice|openid profile")
	assert.Empty(t, members)
}

func TestNewMemoryRejectsBadCatalog(t *testing.T) {
	_, err := NewMemory(Catalog{Clients: []*oauth.Client{{ClientID: ""}}})
	require.Error(t, err)
	_, err = NewMemory(Catalog{Clients: []*oauth.Client{{ClientID: "a"}, {ClientID: "a"}}})
	require.Error(t, err)
}
