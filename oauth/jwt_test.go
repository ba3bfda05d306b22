package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idserver/jwtkit"
)

func TestGenerateIDTokenPayloadForScopes(t *testing.T) {
	h := newHarness(t, webClient())
	param := &AuthorizationParameter{ClientID: "c1", Scope: "openid profile", Nonce: "n-0S6", State: "st"}

	payload, err := h.generator.GenerateIDTokenPayloadForScopes(context.Background(), alice(), param)
	require.NoError(t, err)

	assert.Equal(t, "alice", payload.Subject())
	assert.Equal(t, testIssuer, payload.Issuer())
	assert.Equal(t, []string{"c1", testIssuer}, payload.Audiences())
	assert.Equal(t, "c1", payload.String(jwtkit.ClaimAzp))
	assert.Equal(t, "n-0S6", payload.String(jwtkit.ClaimNonce))
	assert.Equal(t, DefaultAcr, payload.String(jwtkit.ClaimAcr))
	assert.Equal(t, DefaultAmr, payload[jwtkit.ClaimAmr])
	assert.Equal(t, "Alice Liddell", payload[ClaimName])
	assert.NotContains(t, payload, ClaimEmail, "email scope was not requested")
	assert.NotContains(t, payload, jwtkit.ClaimAuthTime, "auth_time without max_age")

	iat, ok := payload.Int64(jwtkit.ClaimIssuedAt)
	require.True(t, ok)
	exp, ok := payload.Int64(jwtkit.ClaimExpiration)
	require.True(t, ok)
	assert.Equal(t, int64(3600), exp-iat)

	param.MaxAge = 300
	payload, err = h.generator.GenerateIDTokenPayloadForScopes(context.Background(), alice(), param)
	require.NoError(t, err)
	assert.Contains(t, payload, jwtkit.ClaimAuthTime)
}

func TestGenerateFilteredIDTokenPayload(t *testing.T) {
	h := newHarness(t, webClient())
	ctx := context.Background()
	param := &AuthorizationParameter{ClientID: "c1", Scope: "openid", State: "st"}

	payload, err := h.generator.GenerateFilteredIDTokenPayload(ctx, alice(), param, []ClaimParameter{
		{Name: ClaimEmail, Essential: true},
		{Name: ClaimPhoneNumber},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.test", payload[ClaimEmail])
	assert.NotContains(t, payload, ClaimName)
	assert.NotContains(t, payload, ClaimPhoneNumber, "optional missing claims are omitted")

	_, err = h.generator.GenerateFilteredIDTokenPayload(ctx, alice(), param, []ClaimParameter{
		{Name: ClaimEmail, Essential: true, Value: "someone@else.test"},
	})
	oe := requireOAuthError(t, err, ErrCodeInvalidGrant)
	assert.Equal(t, "the claim email is not valid", oe.Description)
	assert.Equal(t, "st", oe.State)

	_, err = h.generator.GenerateFilteredIDTokenPayload(ctx, alice(), param, []ClaimParameter{
		{Name: ClaimPhoneNumber, Essential: true},
	})
	requireOAuthError(t, err, ErrCodeInvalidGrant)

	payload, err = h.generator.GenerateFilteredIDTokenPayload(ctx, alice(), param, []ClaimParameter{
		{Name: ClaimName, Values: []string{"Bob", "Alice Liddell"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", payload[ClaimName])
}

func TestEssentialAuthTimeWithoutInstantFails(t *testing.T) {
	h := newHarness(t, webClient())
	principal := NewPrincipal("bob", time.Time{}, nil)
	param := &AuthorizationParameter{ClientID: "c1", Scope: "openid"}

	_, err := h.generator.GenerateFilteredIDTokenPayload(context.Background(), principal, param, []ClaimParameter{
		{Name: jwtkit.ClaimAuthTime, Essential: true},
	})
	oe := requireOAuthError(t, err, ErrCodeInvalidGrant)
	assert.Contains(t, oe.Description, "auth_time")
}

func TestGenerateUserInfoPayload(t *testing.T) {
	h := newHarness(t, webClient())
	ctx := context.Background()
	param := &AuthorizationParameter{ClientID: "c1", Scope: "openid email"}

	payload, err := h.generator.GenerateUserInfoPayloadForScope(ctx, alice(), param)
	require.NoError(t, err)
	assert.Equal(t, "alice", payload.Subject())
	assert.Equal(t, "alice@example.test", payload[ClaimEmail])
	assert.NotContains(t, payload, ClaimName)
	assert.NotContains(t, payload, jwtkit.ClaimAudience)

	filtered, err := h.generator.GenerateFilteredUserInfoPayload([]ClaimParameter{{Name: ClaimName}}, alice(), param)
	require.NoError(t, err)
	assert.Equal(t, "alice", filtered.Subject())
	assert.Equal(t, "Alice Liddell", filtered[ClaimName])
	assert.NotContains(t, filtered, ClaimEmail)

	h.store.scopes = []Scope{{Name: "email", Claims: []string{ClaimName}}}
	payload, err = h.generator.GenerateUserInfoPayloadForScope(ctx, alice(), param)
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", payload[ClaimName], "scope repository overrides the defaults")

	_, err = h.generator.GenerateUserInfoPayloadForScope(ctx, nil, param)
	assert.True(t, errors.Is(err, ErrMissingArgument))
}

func TestFillInOtherClaimsIdentityTokenPayload(t *testing.T) {
	h := newHarness(t, webClient())
	payload := jwtkit.Payload{}
	require.NoError(t, h.generator.FillInOtherClaimsIdentityTokenPayload(payload, "the-code", "the-token", webClient()))

	half := func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
	}
	assert.Equal(t, half("the-code"), payload[jwtkit.ClaimCHash])
	assert.Equal(t, half("the-token"), payload[jwtkit.ClaimAtHash])

	none := webClient()
	none.IDTokenSignedResponseAlg = "none"
	payload = jwtkit.Payload{}
	require.NoError(t, h.generator.FillInOtherClaimsIdentityTokenPayload(payload, "the-code", "", none))
	assert.Empty(t, payload)
}

func TestGeneratorParserRoundTrip(t *testing.T) {
	client := webClient()
	h := newHarness(t, client)
	client.JSONWebKeys = jwtkit.PublicKeys(h.keys)
	ctx := context.Background()

	param := &AuthorizationParameter{ClientID: "c1", Scope: "openid profile", Nonce: "abc", MaxAge: 60}
	payload, err := h.generator.GenerateIDTokenPayloadForScopes(ctx, alice(), param)
	require.NoError(t, err)
	jws, err := h.generator.Sign(ctx, payload, jwtkit.JwsRS256)
	require.NoError(t, err)

	got, err := h.parser.UnSign(ctx, jws, "c1")
	require.NoError(t, err)
	for _, claim := range []string{jwtkit.ClaimSubject, jwtkit.ClaimIssuer, jwtkit.ClaimNonce, jwtkit.ClaimAcr, jwtkit.ClaimAzp} {
		assert.Equal(t, payload.String(claim), got.String(claim), claim)
	}
	for _, claim := range []string{jwtkit.ClaimIssuedAt, jwtkit.ClaimExpiration, jwtkit.ClaimAuthTime} {
		want, _ := payload.Int64(claim)
		have, ok := got.Int64(claim)
		require.True(t, ok, claim)
		assert.Equal(t, want, have, claim)
	}
	assert.Equal(t, payload.Audiences(), got.Audiences())

	server, err := h.parser.UnSignWithServerKey(ctx, jws)
	require.NoError(t, err)
	assert.Equal(t, "alice", server.Subject())
}

func TestJwtParserArgumentsAndClient(t *testing.T) {
	h := newHarness(t, webClient())
	ctx := context.Background()

	_, err := h.parser.Decrypt(ctx, "", "x")
	assert.True(t, errors.Is(err, ErrMissingArgument))
	_, err = h.parser.Decrypt(ctx, "jwe", "")
	assert.True(t, errors.Is(err, ErrMissingArgument))
	_, err = h.parser.UnSign(ctx, "", "c1")
	assert.True(t, errors.Is(err, ErrMissingArgument))

	_, err = h.parser.Decrypt(ctx, "a.b.c.d.e", "ghost")
	require.True(t, errors.Is(err, ErrClientNotValid))
	assert.Contains(t, err.Error(), "the client id parameter ghost doesn't exist or is not valid")
	_, err = h.parser.UnSign(ctx, "a.b.c", "ghost")
	assert.True(t, errors.Is(err, ErrClientNotValid))
}

func TestJwtParserSoftFailures(t *testing.T) {
	client := webClient()
	h := newHarness(t, client)
	ctx := context.Background()

	payload, err := h.parser.UnSign(ctx, "not-a-token", "c1")
	assert.Nil(t, payload)
	assert.True(t, errors.Is(err, ErrTokenNotVerifiable))

	jws, err := h.generator.Sign(ctx, jwtkit.Payload{"sub": "alice"}, jwtkit.JwsRS256)
	require.NoError(t, err)
	payload, err = h.parser.UnSign(ctx, jws, "c1")
	assert.Nil(t, payload, "no inline key and no jwks_uri")
	assert.True(t, errors.Is(err, ErrTokenNotVerifiable))

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	client.JSONWebKeys = []jose.JSONWebKey{{Key: &other.PublicKey, KeyID: "server-sig", Algorithm: "RS256", Use: "sig"}}
	payload, err = h.parser.UnSign(ctx, jws, "c1")
	assert.Nil(t, payload, "signature from another key")
	assert.True(t, errors.Is(err, ErrTokenNotVerifiable))

	plain, err := h.parser.Decrypt(ctx, "garbage", "c1")
	assert.Empty(t, plain)
	assert.True(t, errors.Is(err, ErrTokenNotVerifiable))
}

func TestJwtParserUnsecuredSkipsKeyResolution(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := webClient()
	client.JwksURI = srv.URL
	h := newHarness(t, client)

	jws, err := jwtkit.JwsGenerator{}.Generate(jwtkit.Payload{"sub": "alice", "iss": "c1"}, jwtkit.JwsNone, nil)
	require.NoError(t, err)
	payload, err := h.parser.UnSign(context.Background(), jws, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", payload.Subject())
	assert.Zero(t, hits.Load())
}

func TestJwtParserJwksURIWithCache(t *testing.T) {
	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := &jose.JSONWebKey{Key: clientKey, KeyID: "client-sig", Algorithm: "RS256", Use: "sig"}

	var hits atomic.Int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Cache-Control", "max-age=120")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{priv.Public()}})
	}))
	defer srv.Close()

	client := webClient()
	client.JwksURI = srv.URL
	store := newFakeStore(client)
	parser := NewJwtParser(store, nil, NewJwksFetcher(srv.Client(), time.Minute))
	ctx := context.Background()

	jws, err := jwtkit.JwsGenerator{}.Generate(jwtkit.Payload{"sub": "c1", "iss": "c1"}, jwtkit.JwsRS256, priv)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		payload, err := parser.UnSign(ctx, jws, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", payload.Subject())
	}
	assert.Equal(t, int32(1), hits.Load(), "the key set is cached")

	uncached := NewJwtParser(store, nil, NewJwksFetcher(srv.Client(), -1))
	failing.Store(true)
	payload, err := uncached.UnSign(ctx, jws, "c1")
	assert.Nil(t, payload)
	assert.True(t, errors.Is(err, ErrTokenNotVerifiable))
}

func TestJwksFetcherThrottlesUnknownKidRefetch(t *testing.T) {
	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub := jose.JSONWebKey{Key: &clientKey.PublicKey, KeyID: "client-sig", Algorithm: "RS256", Use: "sig"}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{pub}})
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := NewJwksFetcher(srv.Client(), time.Minute)
	fetcher.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := fetcher.FindKey(ctx, srv.URL, "forged", "RS256")
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), hits.Load(), "unknown kids do not refetch within the interval")

	now = now.Add(minJwksRefetchInterval + time.Second)
	_, err = fetcher.FindKey(ctx, srv.URL, "forged", "RS256")
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())

	_, err = fetcher.FindKey(ctx, srv.URL, "forged", "RS256")
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())

	key, err := fetcher.FindKey(ctx, srv.URL, "client-sig", "RS256")
	require.NoError(t, err)
	assert.Equal(t, "client-sig", key.KeyID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestJwtParserDecryptWithInlineKey(t *testing.T) {
	encKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := jose.JSONWebKey{Key: encKey, KeyID: "client-enc", Algorithm: "RSA-OAEP", Use: "enc"}

	client := webClient()
	client.JSONWebKeys = []jose.JSONWebKey{priv}
	h := newHarness(t, client)

	pub := priv.Public()
	jwe, err := jwtkit.JweGenerator{}.GenerateJwe("inner.jws.value", jwtkit.JweRSAOAEP, jwtkit.JweA128CBCHS256, &pub)
	require.NoError(t, err)
	assert.True(t, h.parser.IsJweToken(jwe))
	assert.False(t, h.parser.IsJwsToken(jwe))

	plain, err := h.parser.Decrypt(context.Background(), jwe, "c1")
	require.NoError(t, err)
	assert.Equal(t, "inner.jws.value", plain)
}

func TestSignAndEncryptIDTokenForClient(t *testing.T) {
	encKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := jose.JSONWebKey{Key: encKey, KeyID: "client-enc", Algorithm: "RSA-OAEP-256", Use: "enc"}

	client := webClient()
	client.JSONWebKeys = []jose.JSONWebKey{priv.Public()}
	client.IDTokenEncryptedResponseAlg = "RSA-OAEP-256"
	client.IDTokenEncryptedResponseEnc = "A256GCM"
	h := newHarness(t, client)
	ctx := context.Background()

	token, err := h.generator.SignAndEncryptIDToken(ctx, jwtkit.Payload{"sub": "alice"}, client)
	require.NoError(t, err)

	hdr := jwtkit.JweParser{}.GetHeader(token)
	require.NotNil(t, hdr)
	assert.Equal(t, "A256GCM", hdr.Enc)

	jws, err := jwtkit.JweParser{}.Parse(token, &priv)
	require.NoError(t, err)
	payload, err := h.parser.UnSignWithServerKey(ctx, jws)
	require.NoError(t, err)
	assert.Equal(t, "alice", payload.Subject())

	plainJSON, err := h.generator.SignAndEncryptUserInfo(ctx, jwtkit.Payload{"sub": "alice"}, client)
	require.NoError(t, err)
	assert.Empty(t, plainJSON, "no userinfo algorithms registered")
}
