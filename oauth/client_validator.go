package oauth

import (
	"context"
	"fmt"
	"slices"
)

// EffectiveGrantTypes returns the client's grant types, or authorization_code
// when none are registered. The client is not modified.
func EffectiveGrantTypes(client *Client) []GrantType {
	if client == nil {
		return nil
	}
	if len(client.GrantTypes) == 0 {
		return []GrantType{GrantTypeAuthorizationCode}
	}
	return client.GrantTypes
}

// EffectiveResponseTypes returns the client's response types, or code when
// none are registered. The client is not modified.
func EffectiveResponseTypes(client *Client) []ResponseType {
	if client == nil {
		return nil
	}
	if len(client.ResponseTypes) == 0 {
		return []ResponseType{ResponseTypeCode}
	}
	return client.ResponseTypes
}

// ClientValidator answers the lookups and predicates that gate every flow.
type ClientValidator struct {
	clients ClientRepository
}

// NewClientValidator constructs a ClientValidator.
func NewClientValidator(clients ClientRepository) *ClientValidator {
	return &ClientValidator{clients: clients}
}

// ValidateClientExist returns the client or nil when it is unknown.
func (v *ClientValidator) ValidateClientExist(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, nil
	}
	client, err := v.clients.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	return client, nil
}

// ValidateRedirectionURL returns the registered URI equal to url, or "".
// Only exact string matches are accepted.
func (v *ClientValidator) ValidateRedirectionURL(url string, client *Client) string {
	if client == nil || url == "" {
		return ""
	}
	for _, registered := range client.RedirectURIs {
		if registered == url {
			return registered
		}
	}
	return ""
}

// ValidateGrantType reports whether the client may use grantType.
func (v *ClientValidator) ValidateGrantType(grantType GrantType, client *Client) bool {
	if client == nil {
		return false
	}
	return slices.Contains(EffectiveGrantTypes(client), grantType)
}

// ValidateGrantTypes reports whether the client may use every grant type given.
func (v *ClientValidator) ValidateGrantTypes(client *Client, grantTypes ...GrantType) bool {
	if client == nil {
		return false
	}
	effective := EffectiveGrantTypes(client)
	for _, gt := range grantTypes {
		if !slices.Contains(effective, gt) {
			return false
		}
	}
	return true
}

// ValidateResponseType reports whether the client may use responseType.
func (v *ClientValidator) ValidateResponseType(responseType ResponseType, client *Client) bool {
	if client == nil {
		return false
	}
	return slices.Contains(EffectiveResponseTypes(client), responseType)
}

// ValidateResponseTypes reports whether the client may use every response type given.
func (v *ClientValidator) ValidateResponseTypes(client *Client, responseTypes ...ResponseType) bool {
	if client == nil {
		return false
	}
	effective := EffectiveResponseTypes(client)
	for _, rt := range responseTypes {
		if !slices.Contains(effective, rt) {
			return false
		}
	}
	return true
}
