package oauth

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// ConsentHelper finds and records resource owner consents.
type ConsentHelper struct {
	consents ConsentRepository
}

// NewConsentHelper constructs a ConsentHelper.
func NewConsentHelper(consents ConsentRepository) *ConsentHelper {
	return &ConsentHelper{consents: consents}
}

// GetConfirmedConsent returns a consent of subject that covers the client
// and every requested scope (and every requested claim), or nil.
func (h *ConsentHelper) GetConfirmedConsent(ctx context.Context, subject string, param *AuthorizationParameter) (*Consent, error) {
	if subject == "" {
		return nil, missingArgument("subject")
	}
	if param == nil {
		return nil, missingArgument("authorization parameter")
	}
	consents, err := h.consents.GetConsentsForUser(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("get consents: %w", err)
	}
	scopes := ParseScopes(param.Scope)
	claims := requestedClaimNames(param.Claims)
	for i := range consents {
		c := consents[i]
		if c.ClientID != param.ClientID {
			continue
		}
		if !containsAll(c.Scopes, scopes) {
			continue
		}
		if len(claims) > 0 && !containsAll(c.Claims, claims) {
			continue
		}
		return &c, nil
	}
	return nil, nil
}

// Confirm records that subject granted the requested scopes and claims to the client.
func (h *ConsentHelper) Confirm(ctx context.Context, subject string, param *AuthorizationParameter) (*Consent, error) {
	if subject == "" {
		return nil, missingArgument("subject")
	}
	consent := Consent{
		ID:       uuid.NewString(),
		ClientID: param.ClientID,
		Subject:  subject,
		Scopes:   ParseScopes(param.Scope),
		Claims:   requestedClaimNames(param.Claims),
	}
	if err := h.consents.InsertConsent(ctx, consent); err != nil {
		return nil, fmt.Errorf("insert consent: %w", err)
	}
	return &consent, nil
}

func requestedClaimNames(c ClaimsParameter) []string {
	var names []string
	for _, cp := range append(slices.Clone(c.IDToken), c.UserInfo...) {
		if !slices.Contains(names, cp.Name) {
			names = append(names, cp.Name)
		}
	}
	return names
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
