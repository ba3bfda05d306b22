package jwtkit

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// JweGenerator wraps a serialised JWS (or any plaintext) into a compact JWE.
type JweGenerator struct{}

// GenerateJwe encrypts plaintext for key using alg for key management and enc
// for content encryption. Asymmetric keys are always encrypted to their public half.
func (JweGenerator) GenerateJwe(plaintext string, alg JweAlg, enc JweEnc, key *jose.JSONWebKey) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext is required")
	}
	if key == nil || key.Key == nil {
		return "", errors.New("an encryption key is required")
	}
	keyAlg, ok := supportedJweAlgs[alg]
	if !ok {
		return "", fmt.Errorf("the alg %s is not supported", alg)
	}
	contentEnc, ok := supportedJweEncs[enc]
	if !ok {
		return "", fmt.Errorf("the enc %s is not supported", enc)
	}

	recipient := jose.Recipient{Algorithm: keyAlg, Key: VerificationKey(key), KeyID: key.KeyID}
	encrypter, err := jose.NewEncrypter(contentEnc, recipient, (&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		return "", fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// JweParser reads and decrypts compact JWE.
type JweParser struct{}

// GetHeader returns the protected header, or nil when the token is not a readable JWE.
func (JweParser) GetHeader(jwe string) *Header {
	hdr, err := ReadJweHeader(jwe)
	if err != nil {
		return nil
	}
	return hdr
}

// Parse decrypts jwe with the private (or shared) key and returns the plaintext.
func (JweParser) Parse(jwe string, key *jose.JSONWebKey) (string, error) {
	if key == nil || key.Key == nil {
		return "", errors.New("a decryption key is required")
	}
	if key.IsPublic() {
		return "", errors.New("a private key is required to decrypt")
	}
	obj, err := jose.ParseEncrypted(jwe)
	if err != nil {
		return "", ErrMalformedToken
	}
	plain, err := obj.Decrypt(key.Key)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
