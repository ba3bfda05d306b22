package jwtkit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v3"
)

// ErrInvalidSignature is returned when a JWS does not verify under the given key.
var ErrInvalidSignature = errors.New("invalid signature")

// JwsGenerator serialises payloads as compact JWS.
type JwsGenerator struct{}

// Generate signs payload with key under alg. The "none" algorithm produces an
// unsecured token with an empty signature segment and ignores key.
func (JwsGenerator) Generate(payload Payload, alg JwsAlg, key *jose.JSONWebKey) (string, error) {
	if payload == nil {
		return "", errors.New("payload is required")
	}
	raw, err := payload.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if alg == JwsNone {
		return unsecured(raw)
	}
	if !IsSupportedJwsAlg(string(alg)) {
		return "", fmt.Errorf("the alg %s is not supported", alg)
	}
	if key == nil || key.Key == nil {
		return "", errors.New("a signing key is required")
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	if key.KeyID != "" {
		opts = opts.WithHeader("kid", key.KeyID)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: key.Key}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	obj, err := signer.Sign(raw)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return obj.CompactSerialize()
}

func unsecured(raw []byte) (string, error) {
	hdr := `{"alg":"none","typ":"JWT"}`
	return encodeSegment([]byte(hdr)) + "." + encodeSegment(raw) + ".", nil
}

// JwsParser reads and verifies compact JWS.
type JwsParser struct{}

// GetHeader returns the protected header, or nil when the token is not a readable JWS.
func (JwsParser) GetHeader(jws string) *Header {
	hdr, err := ReadJwsHeader(jws)
	if err != nil {
		return nil
	}
	return hdr
}

// GetPayload decodes the payload segment without checking the signature.
func (JwsParser) GetPayload(jws string) (Payload, error) {
	segments := strings.Split(strings.TrimSpace(jws), ".")
	if len(segments) != 3 {
		return nil, ErrMalformedToken
	}
	raw, err := decodeSegment(segments[1])
	if err != nil {
		return nil, ErrMalformedToken
	}
	return ParsePayload(raw)
}

// ValidateSignature verifies jws with key and returns its payload.
func (p JwsParser) ValidateSignature(jws string, key *jose.JSONWebKey) (Payload, error) {
	if key == nil || key.Key == nil {
		return nil, errors.New("a verification key is required")
	}
	hdr, err := ReadJwsHeader(jws)
	if err != nil {
		return nil, err
	}
	if hdr.Alg == string(JwsNone) {
		return nil, ErrInvalidSignature
	}
	if key.Algorithm != "" && key.Algorithm != hdr.Alg {
		return nil, fmt.Errorf("%w: key alg %s does not match %s", ErrInvalidSignature, key.Algorithm, hdr.Alg)
	}
	obj, err := jose.ParseSigned(jws)
	if err != nil {
		return nil, ErrMalformedToken
	}
	raw, err := obj.Verify(VerificationKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ParsePayload(raw)
}

// VerificationKey returns the raw key material usable for verification:
// the public half of an asymmetric key or the shared secret itself.
func VerificationKey(key *jose.JSONWebKey) any {
	if b, ok := key.Key.([]byte); ok {
		return b
	}
	if key.IsPublic() {
		return key.Key
	}
	pub := key.Public()
	return pub.Key
}
