package keystore

import (
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idserver/jwtkit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, path string) *Manager {
	t.Helper()
	m, err := New(Config{JWKSPath: path, KeySize: 1024}, testLogger())
	require.NoError(t, err)
	return m
}

func TestNewGeneratesSigningAndEncryptionKeys(t *testing.T) {
	m := newManager(t, "")

	keys, err := m.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, jwtkit.UseSignature, keys[0].Use)
	assert.Equal(t, string(jwtkit.JwsRS256), keys[0].Algorithm)
	assert.Equal(t, jwtkit.UseEncryption, keys[1].Use)
	assert.Equal(t, string(jwtkit.JweRSAOAEP256), keys[1].Algorithm)
	assert.NotEqual(t, keys[0].KeyID, keys[1].KeyID)

	_, private := keys[0].Key.(*rsa.PrivateKey)
	assert.True(t, private)
}

func TestSignAndKeyfunc(t *testing.T) {
	m := newManager(t, "")

	signed, kid, err := m.Sign(jwt.MapClaims{"sub": "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, kid)

	parsed, err := jwt.Parse(signed, m.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, kid, parsed.Header["kid"])
	sub, err := parsed.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestRotationKeepsPreviousKeyVerifiable(t *testing.T) {
	m := newManager(t, "")

	old, oldKid, err := m.Sign(jwt.MapClaims{"sub": "alice"})
	require.NoError(t, err)
	require.NoError(t, m.Rotate())

	_, newKid, err := m.Sign(jwt.MapClaims{"sub": "alice"})
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, newKid)

	_, err = jwt.Parse(old, m.Keyfunc)
	require.NoError(t, err, "tokens signed before rotation still verify")

	require.NoError(t, m.Rotate())
	_, err = jwt.Parse(old, m.Keyfunc)
	require.Error(t, err, "a key two rotations old is retired")

	keys, err := m.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Equal(t, newKid, keys[1].KeyID)
}

func TestPublicJWKSHasNoPrivateMaterial(t *testing.T) {
	m := newManager(t, "")
	set := m.PublicJWKS()
	require.Len(t, set.Keys, 2)
	for _, k := range set.Keys {
		assert.True(t, k.IsPublic(), k.KeyID)
	}
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "jwks.json")
	first := newManager(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signed, _, err := first.Sign(jwt.MapClaims{"sub": "alice"})
	require.NoError(t, err)

	second := newManager(t, path)
	_, err = jwt.Parse(signed, second.Keyfunc)
	require.NoError(t, err)

	firstKeys, _ := first.Keys(context.Background())
	secondKeys, _ := second.Keys(context.Background())
	require.Len(t, secondKeys, len(firstKeys))
	for i := range firstKeys {
		assert.Equal(t, firstKeys[i].KeyID, secondKeys[i].KeyID)
		assert.Equal(t, firstKeys[i].Use, secondKeys[i].Use)
	}
}

func TestStartRotationStopsWithContext(t *testing.T) {
	m, err := New(Config{RotateInterval: 20 * time.Millisecond, KeySize: 1024}, testLogger())
	require.NoError(t, err)
	_, kid, err := m.Sign(jwt.MapClaims{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.StartRotation(ctx)
	require.Eventually(t, func() bool {
		_, current, err := m.Sign(jwt.MapClaims{})
		return err == nil && current != kid
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestKeyfuncRejectsUnknownKid(t *testing.T) {
	m := newManager(t, "")
	token := &jwt.Token{Header: map[string]any{"kid": "nope"}}
	_, err := m.Keyfunc(token)
	require.Error(t, err)
}
