package jwtkit

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// Key usages carried in the "use" member of a JWK.
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

// ErrEmptyKeySet is returned when a JWKS document has no usable keys.
var ErrEmptyKeySet = errors.New("the key set is empty")

// ParseKeySet decodes a JWKS document, rejecting sets without keys.
func ParseKeySet(b []byte) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(b, &set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	valid := set.Keys[:0]
	for _, k := range set.Keys {
		if k.Valid() {
			valid = append(valid, k)
		}
	}
	set.Keys = valid
	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, ErrEmptyKeySet
	}
	return set, nil
}

// FindKey returns the key with kid. When alg is set, a key that declares a
// different algorithm is skipped.
func FindKey(keys []jose.JSONWebKey, kid, alg string) *jose.JSONWebKey {
	if kid == "" {
		return nil
	}
	for i := range keys {
		k := keys[i]
		if k.KeyID != kid {
			continue
		}
		if alg != "" && k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		return &k
	}
	return nil
}

// FindKeyForUse returns the first key matching alg and use, ignoring kid.
func FindKeyForUse(keys []jose.JSONWebKey, alg, use string) *jose.JSONWebKey {
	for i := range keys {
		k := keys[i]
		if use != "" && k.Use != "" && k.Use != use {
			continue
		}
		if alg != "" && k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		return &k
	}
	return nil
}

// PublicKeys strips private material from every key. Symmetric keys are dropped.
func PublicKeys(keys []jose.JSONWebKey) []jose.JSONWebKey {
	out := make([]jose.JSONWebKey, 0, len(keys))
	for _, k := range keys {
		if _, symmetric := k.Key.([]byte); symmetric {
			continue
		}
		pub := k.Public()
		if pub.Key == nil {
			continue
		}
		out = append(out, pub)
	}
	return out
}
