package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idserver/oauth"
	"idserver/storage"
)

func newTestProtector(t *testing.T) *RequestProtector {
	t.Helper()
	keys := newTestKeys(t)
	store, err := storage.NewMemory(storage.Catalog{})
	require.NoError(t, err)
	parser := oauth.NewJwtParser(store, keys, oauth.NewJwksFetcher(http.DefaultClient, time.Minute))
	return NewRequestProtector(keys, parser, 10*time.Minute)
}

func TestRequestProtectorRoundTrip(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()
	param := &oauth.AuthorizationParameter{
		ClientID:     "web",
		Scope:        "openid profile",
		RedirectURI:  "https://app.example.com/cb",
		ResponseType: "code",
		State:        "xyz",
		Claims:       oauth.ClaimsParameter{IDToken: []oauth.ClaimParameter{{Name: "email", Essential: true}}},
	}

	request, err := p.Protect(ctx, param)
	require.NoError(t, err)
	assert.Len(t, strings.Split(request, "."), 5)
	assert.NotContains(t, request, "xyz")

	got, err := p.Unprotect(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, param, got)
}

func TestRequestProtectorRejects(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()
	request, err := p.Protect(ctx, &oauth.AuthorizationParameter{ClientID: "web"})
	require.NoError(t, err)

	parts := strings.Split(request, ".")
	parts[3] = strings.Repeat("A", len(parts[3]))
	tampered := strings.Join(parts, ".")

	other := newTestProtector(t)
	foreign, err := other.Protect(ctx, &oauth.AuthorizationParameter{ClientID: "web"})
	require.NoError(t, err)

	for name, value := range map[string]string{
		"empty":    "",
		"jws":      "a.b.c",
		"tampered": tampered,
		"foreign":  foreign,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Unprotect(ctx, value)
			assert.Equal(t, errRequestNotValid, err)
		})
	}
}

func TestRequestProtectorExpiry(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()
	now := time.Now()
	p.now = func() time.Time { return now }

	request, err := p.Protect(ctx, &oauth.AuthorizationParameter{ClientID: "web"})
	require.NoError(t, err)

	p.now = func() time.Time { return now.Add(9 * time.Minute) }
	_, err = p.Unprotect(ctx, request)
	require.NoError(t, err)

	p.now = func() time.Time { return now.Add(11 * time.Minute) }
	_, err = p.Unprotect(ctx, request)
	assert.Equal(t, errRequestNotValid, err)
}
