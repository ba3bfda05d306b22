package oauth

import (
	"regexp"
	"slices"
	"strings"
)

var scopePattern = regexp.MustCompile(`^\w+( +\w+)*$`)

// ParseScopes splits a space delimited scope string.
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}

// ScopeValidator checks a requested scope string against a client.
type ScopeValidator struct{}

// ValidateScopes returns the requested scopes in input order. On failure it
// returns an empty list and an invalid_scope error describing the problem.
func (ScopeValidator) ValidateScopes(scope string, client *Client) ([]string, error) {
	if client == nil {
		return []string{}, missingArgument("client")
	}
	if !scopePattern.MatchString(scope) {
		return []string{}, Errorf(ErrCodeInvalidScope, descScopeNotWellFormed, scope)
	}

	scopes := ParseScopes(scope)
	var duplicates []string
	seen := make(map[string]int, len(scopes))
	for _, s := range scopes {
		seen[s]++
		if seen[s] == 2 {
			duplicates = append(duplicates, s)
		}
	}
	if len(duplicates) > 0 {
		return []string{}, Errorf(ErrCodeInvalidScope, descDuplicateScopes, strings.Join(duplicates, ","))
	}

	var notAllowed []string
	for _, s := range scopes {
		if !slices.Contains(client.AllowedScopes, s) {
			notAllowed = append(notAllowed, s)
		}
	}
	if len(notAllowed) > 0 {
		return []string{}, Errorf(ErrCodeInvalidScope, descScopesNotAllowed, strings.Join(notAllowed, ","))
	}
	return scopes, nil
}
