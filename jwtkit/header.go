package jwtkit

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedToken is returned when a compact token cannot be split or decoded.
var ErrMalformedToken = errors.New("malformed compact token")

// Header is the protected header shared by JWS and JWE compact tokens.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ,omitempty"`
	Cty string `json:"cty,omitempty"`
	Enc string `json:"enc,omitempty"`
}

// ReadJwsHeader decodes the protected header of a compact JWS without verifying it.
func ReadJwsHeader(token string) (*Header, error) {
	return readHeader(token, 3)
}

// ReadJweHeader decodes the protected header of a compact JWE without decrypting it.
func ReadJweHeader(token string) (*Header, error) {
	hdr, err := readHeader(token, 5)
	if err != nil {
		return nil, err
	}
	if hdr.Enc == "" {
		return nil, ErrMalformedToken
	}
	return hdr, nil
}

func readHeader(token string, parts int) (*Header, error) {
	segments := strings.Split(strings.TrimSpace(token), ".")
	if len(segments) != parts {
		return nil, ErrMalformedToken
	}
	raw, err := decodeSegment(segments[0])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var hdr Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, ErrMalformedToken
	}
	if hdr.Alg == "" {
		return nil, ErrMalformedToken
	}
	return &hdr, nil
}

func decodeSegment(seg string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(seg)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
