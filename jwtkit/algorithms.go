// Package jwtkit produces and verifies compact JWS and JWE tokens.
//
// Signing, verification, encryption and decryption are delegated to go-jose.
// Header inspection is done without verifying anything so that callers can
// select a key by kid and alg before the cryptographic step runs.
package jwtkit

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// JwsAlg names a JWS signature algorithm.
type JwsAlg string

// Supported JWS algorithms.
const (
	JwsNone  JwsAlg = "none"
	JwsHS256 JwsAlg = "HS256"
	JwsHS384 JwsAlg = "HS384"
	JwsHS512 JwsAlg = "HS512"
	JwsRS256 JwsAlg = "RS256"
	JwsRS384 JwsAlg = "RS384"
	JwsRS512 JwsAlg = "RS512"
	JwsPS256 JwsAlg = "PS256"
	JwsPS384 JwsAlg = "PS384"
	JwsPS512 JwsAlg = "PS512"
	JwsES256 JwsAlg = "ES256"
	JwsES384 JwsAlg = "ES384"
	JwsES512 JwsAlg = "ES512"
)

// JweAlg names a JWE key management algorithm.
type JweAlg string

// Supported JWE key management algorithms.
const (
	JweRSA15      JweAlg = "RSA1_5"
	JweRSAOAEP    JweAlg = "RSA-OAEP"
	JweRSAOAEP256 JweAlg = "RSA-OAEP-256"
	JweA128KW     JweAlg = "A128KW"
	JweA256KW     JweAlg = "A256KW"
	JweDir        JweAlg = "dir"
)

// JweEnc names a JWE content encryption algorithm.
type JweEnc string

// Supported JWE content encryption algorithms.
const (
	JweA128CBCHS256 JweEnc = "A128CBC-HS256"
	JweA192CBCHS384 JweEnc = "A192CBC-HS384"
	JweA256CBCHS512 JweEnc = "A256CBC-HS512"
	JweA128GCM      JweEnc = "A128GCM"
	JweA192GCM      JweEnc = "A192GCM"
	JweA256GCM      JweEnc = "A256GCM"
)

var supportedJwsAlgs = map[JwsAlg]crypto.Hash{
	JwsNone:  0,
	JwsHS256: crypto.SHA256,
	JwsHS384: crypto.SHA384,
	JwsHS512: crypto.SHA512,
	JwsRS256: crypto.SHA256,
	JwsRS384: crypto.SHA384,
	JwsRS512: crypto.SHA512,
	JwsPS256: crypto.SHA256,
	JwsPS384: crypto.SHA384,
	JwsPS512: crypto.SHA512,
	JwsES256: crypto.SHA256,
	JwsES384: crypto.SHA384,
	JwsES512: crypto.SHA512,
}

var supportedJweAlgs = map[JweAlg]jose.KeyAlgorithm{
	JweRSA15:      jose.RSA1_5,
	JweRSAOAEP:    jose.RSA_OAEP,
	JweRSAOAEP256: jose.RSA_OAEP_256,
	JweA128KW:     jose.A128KW,
	JweA256KW:     jose.A256KW,
	JweDir:        jose.DIRECT,
}

var supportedJweEncs = map[JweEnc]jose.ContentEncryption{
	JweA128CBCHS256: jose.A128CBC_HS256,
	JweA192CBCHS384: jose.A192CBC_HS384,
	JweA256CBCHS512: jose.A256CBC_HS512,
	JweA128GCM:      jose.A128GCM,
	JweA192GCM:      jose.A192GCM,
	JweA256GCM:      jose.A256GCM,
}

// IsSupportedJwsAlg reports whether alg can be produced and verified.
func IsSupportedJwsAlg(alg string) bool {
	_, ok := supportedJwsAlgs[JwsAlg(alg)]
	return ok
}

// IsSupportedJweAlg reports whether alg is a known key management algorithm.
func IsSupportedJweAlg(alg string) bool {
	_, ok := supportedJweAlgs[JweAlg(alg)]
	return ok
}

// IsSupportedJweEnc reports whether enc is a known content encryption algorithm.
func IsSupportedJweEnc(enc string) bool {
	_, ok := supportedJweEncs[JweEnc(enc)]
	return ok
}

// SupportedJwsAlgs lists the signature algorithms in a stable order.
func SupportedJwsAlgs() []string {
	return []string{
		string(JwsRS256), string(JwsRS384), string(JwsRS512),
		string(JwsPS256), string(JwsPS384), string(JwsPS512),
		string(JwsES256), string(JwsES384), string(JwsES512),
		string(JwsHS256), string(JwsHS384), string(JwsHS512),
		string(JwsNone),
	}
}

// HashFor returns the hash function paired with a signature algorithm.
// It is used for the left-half hashes (at_hash, c_hash) of an id_token.
func HashFor(alg JwsAlg) (crypto.Hash, error) {
	h, ok := supportedJwsAlgs[alg]
	if !ok || h == 0 {
		return 0, fmt.Errorf("the alg %s is not supported", alg)
	}
	return h, nil
}
