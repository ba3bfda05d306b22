// Package keystore holds the server's own RSA keys: a rotating RS256 signing
// key and an RSA-OAEP-256 encryption key used for JWE addressed to the server.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"idserver/jwtkit"
)

const defaultKeySize = 2048

// Config controls key size, rotation and persistence.
type Config struct {
	RotateInterval time.Duration
	// JWKSPath is where the private key set is persisted. Empty keeps keys in memory.
	JWKSPath string
	KeySize  int
	// Previous is how many retired signing keys stay published.
	Previous int
}

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	CreatedAt  time.Time
}

// Manager manages the signing and encryption keys and their JWKS exposure.
type Manager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	encryption  keyPair
	rotateEvery time.Duration
	keepPrev    int
	keySize     int
	storePath   string
	logger      *slog.Logger
}

// New loads keys from cfg.JWKSPath or generates them.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeySize <= 0 {
		cfg.KeySize = defaultKeySize
	}
	if cfg.Previous <= 0 {
		cfg.Previous = 1
	}
	m := &Manager{
		rotateEvery: cfg.RotateInterval,
		keepPrev:    cfg.Previous,
		keySize:     cfg.KeySize,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}

	if cfg.JWKSPath != "" {
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load jwks %s: %w", cfg.JWKSPath, err)
		}
	}

	dirty := false
	if m.encryption.PrivateKey == nil {
		pair, err := m.generate(jwtkit.UseEncryption, string(jwtkit.JweRSAOAEP256))
		if err != nil {
			return nil, err
		}
		m.encryption = pair
		dirty = true
	}
	if m.current.PrivateKey == nil {
		return m, m.Rotate()
	}
	if dirty && m.storePath != "" {
		if err := m.persist(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates the signing key every RotateInterval until ctx is done.
func (m *Manager) StartRotation(ctx context.Context) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Rotate replaces the signing key. The retired key keeps verifying tokens
// until it falls out of the previous window.
func (m *Manager) Rotate() error {
	pair, err := m.generate(jwtkit.UseSignature, string(jwtkit.JwsRS256))
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > m.keepPrev {
			m.previous = m.previous[:m.keepPrev]
		}
	}
	m.current = pair
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", pair.JWK.KeyID)
	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

// Keys returns every private key, current signing key first.
func (m *Manager) Keys(context.Context) ([]jose.JSONWebKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.all(), nil
}

// Sign signs claims with the current key and returns the token and its kid.
func (m *Manager) Sign(claims jwt.MapClaims) (string, string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	kid := m.current.JWK.KeyID
	token.Header["kid"] = kid
	signed, err := token.SignedString(m.current.PrivateKey)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, kid, nil
}

// Keyfunc resolves the verification key of an access token by kid. Unknown
// kids are rejected.
func (m *Manager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.JWK.KeyID {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.JWK.KeyID == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// PublicJWKS exposes the public halves for the jwks endpoint.
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: jwtkit.PublicKeys(m.all())}
}

func (m *Manager) all() []jose.JSONWebKey {
	keys := make([]jose.JSONWebKey, 0, len(m.previous)+2)
	keys = append(keys, m.current.JWK)
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	if m.encryption.PrivateKey != nil {
		keys = append(keys, m.encryption.JWK)
	}
	return keys
}

func (m *Manager) generate(use, alg string) (keyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.keySize)
	if err != nil {
		return keyPair{}, fmt.Errorf("generate %s key: %w", use, err)
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: randomKID(), Algorithm: alg, Use: use}
	return keyPair{PrivateKey: key, JWK: jwk, CreatedAt: time.Now()}, nil
}

func (m *Manager) persist() error {
	m.mu.RLock()
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: m.all()}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode jwks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *Manager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	set, err := jwtkit.ParseKeySet(payload)
	if err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks")
	}

	var signing []keyPair
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{PrivateKey: priv, JWK: key, CreatedAt: time.Now()}
		if key.Use == jwtkit.UseEncryption {
			m.encryption = pair
			continue
		}
		signing = append(signing, pair)
	}
	if len(signing) > 0 {
		m.current = signing[0]
		m.previous = signing[1:]
		if len(m.previous) > m.keepPrev {
			m.previous = m.previous[:m.keepPrev]
		}
	}
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
