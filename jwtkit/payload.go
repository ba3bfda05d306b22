package jwtkit

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Standard claim names written into identity and access tokens.
const (
	ClaimIssuer     = "iss"
	ClaimSubject    = "sub"
	ClaimAudience   = "aud"
	ClaimExpiration = "exp"
	ClaimIssuedAt   = "iat"
	ClaimAuthTime   = "auth_time"
	ClaimNonce      = "nonce"
	ClaimAcr        = "acr"
	ClaimAmr        = "amr"
	ClaimAzp        = "azp"
	ClaimAtHash     = "at_hash"
	ClaimCHash      = "c_hash"
	ClaimJwtID      = "jti"
)

// Payload is the claim set of a JWS before serialisation or after parsing.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Subject returns the sub claim.
func (p Payload) Subject() string {
	return p.String(ClaimSubject)
}

// Issuer returns the iss claim.
func (p Payload) Issuer() string {
	return p.String(ClaimIssuer)
}

// String returns a claim rendered as a string, or "" if absent.
func (p Payload) String(name string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return ""
	}
	return ClaimString(v)
}

// Audiences returns the aud claim as a list whether it was written as a
// single string or as an array.
func (p Payload) Audiences() []string {
	switch v := p[ClaimAudience].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Int64 returns a numeric claim, accepting JSON numbers and native integers.
func (p Payload) Int64(name string) (int64, bool) {
	switch v := p[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Marshal serialises the payload as JSON.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(p))
}

// ParsePayload decodes a JSON claim set.
func ParsePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("decode payload: empty claim set")
	}
	return p, nil
}

// ClaimString renders a scalar claim value for comparison.
func ClaimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
