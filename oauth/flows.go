package oauth

import (
	"slices"
	"strings"
)

// AuthorizationFlow is the OpenID flow implied by a response_type combination.
type AuthorizationFlow int

const (
	AuthorizationCodeFlow AuthorizationFlow = iota + 1
	ImplicitFlow
	HybridFlow
)

func (f AuthorizationFlow) String() string {
	switch f {
	case AuthorizationCodeFlow:
		return "authorization_code"
	case ImplicitFlow:
		return "implicit"
	case HybridFlow:
		return "hybrid"
	default:
		return "unknown"
	}
}

var supportedResponseTypes = []ResponseType{ResponseTypeCode, ResponseTypeToken, ResponseTypeIDToken}

var supportedPrompts = []PromptParameter{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount}

// ParseResponseTypes splits a space delimited response_type parameter.
func ParseResponseTypes(responseType string) []ResponseType {
	fields := strings.Fields(responseType)
	out := make([]ResponseType, 0, len(fields))
	for _, f := range fields {
		out = append(out, ResponseType(f))
	}
	return out
}

// ParsePrompts splits a space delimited prompt parameter.
func ParsePrompts(prompt string) []PromptParameter {
	fields := strings.Fields(prompt)
	out := make([]PromptParameter, 0, len(fields))
	for _, f := range fields {
		out = append(out, PromptParameter(f))
	}
	return out
}

// DetectAuthorizationFlow maps a response_type combination to its flow.
// Any combination including code and another type is hybrid; combinations
// without code are implicit.
func DetectAuthorizationFlow(responseTypes []ResponseType) (AuthorizationFlow, bool) {
	if len(responseTypes) == 0 {
		return 0, false
	}
	for _, rt := range responseTypes {
		if !slices.Contains(supportedResponseTypes, rt) {
			return 0, false
		}
	}
	hasCode := slices.Contains(responseTypes, ResponseTypeCode)
	switch {
	case hasCode && len(distinct(responseTypes)) == 1:
		return AuthorizationCodeFlow, true
	case hasCode:
		return HybridFlow, true
	default:
		return ImplicitFlow, true
	}
}

// DefaultResponseMode is the response mode used when the request names none.
func DefaultResponseMode(flow AuthorizationFlow) ResponseMode {
	if flow == AuthorizationCodeFlow {
		return ResponseModeQuery
	}
	return ResponseModeFragment
}

func distinct[T comparable](in []T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func joinResponseTypes(rts []ResponseType) string {
	parts := make([]string, len(rts))
	for i, rt := range rts {
		parts[i] = string(rt)
	}
	return strings.Join(parts, " ")
}
