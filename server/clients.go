package server

import (
	"fmt"
	"strings"

	"idserver/oauth"
	"idserver/storage"
)

// BuildCatalog turns the configured clients, scopes and accounts into the
// static catalogue of the stores. Plain passwords are hashed with bcrypt.
func BuildCatalog(cfg Config) (storage.Catalog, error) {
	var cat storage.Catalog
	for _, c := range cfg.Clients {
		cat.Clients = append(cat.Clients, clientFromConfig(c))
	}
	for _, s := range cfg.Scopes {
		cat.Scopes = append(cat.Scopes, oauth.Scope{
			Name:          s.Name,
			Description:   s.Description,
			IsOpenIDScope: s.OpenID,
			IsExposed:     s.Exposed,
			Claims:        s.Claims,
		})
	}
	for _, o := range cfg.ResourceOwners {
		hash := o.PasswordHash
		if hash == "" {
			h, err := oauth.HashPassword(o.Password)
			if err != nil {
				return storage.Catalog{}, fmt.Errorf("hash password of %s: %w", o.Login, err)
			}
			hash = h
		}
		cat.Owners = append(cat.Owners, &oauth.ResourceOwner{
			ID:           o.Login,
			PasswordHash: hash,
			Claims:       o.Claims,
			IsLocal:      true,
		})
	}
	return cat, nil
}

func clientFromConfig(c ClientConfig) *oauth.Client {
	client := &oauth.Client{
		ClientID:                     c.ClientID,
		ClientName:                   c.ClientName,
		Secret:                       c.ClientSecret,
		RedirectURIs:                 c.RedirectURIs,
		AllowedScopes:                c.Scopes,
		ApplicationType:              oauth.ApplicationType(c.ApplicationType),
		TokenEndpointAuthMethod:      authMethod(c),
		RequirePKCE:                  c.RequirePKCE,
		JwksURI:                      c.JwksURI,
		IDTokenSignedResponseAlg:     c.IDTokenSignedResponseAlg,
		IDTokenEncryptedResponseAlg:  c.IDTokenEncryptedResponseAlg,
		IDTokenEncryptedResponseEnc:  c.IDTokenEncryptedResponseEnc,
		UserInfoSignedResponseAlg:    c.UserInfoSignedResponseAlg,
		UserInfoEncryptedResponseAlg: c.UserInfoEncryptedResponseAlg,
		UserInfoEncryptedResponseEnc: c.UserInfoEncryptedResponseEnc,
		DefaultMaxAge:                c.DefaultMaxAge,
	}
	for _, g := range c.GrantTypes {
		client.GrantTypes = append(client.GrantTypes, oauth.GrantType(g))
	}
	for _, r := range c.ResponseTypes {
		client.ResponseTypes = append(client.ResponseTypes, oauth.ResponseType(r))
	}
	return client
}

// authMethod defaults to client_secret_basic for confidential clients and to
// none for clients without a secret.
func authMethod(c ClientConfig) oauth.TokenEndpointAuthMethod {
	if c.TokenEndpointAuthMethod != "" {
		return oauth.TokenEndpointAuthMethod(c.TokenEndpointAuthMethod)
	}
	if c.ClientSecret == "" {
		return oauth.AuthMethodNone
	}
	return oauth.AuthMethodClientSecretBasic
}

// isSafeRedirectURI rejects dangerous schemes and malformed URIs that could
// turn a registered redirect into an open redirect.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere.
	if strings.HasPrefix(uri, "//") {
		return false
	}

	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return false
	}
	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain tricks.
	if strings.Contains(rest, "@") {
		return false
	}

	// http://evil.com#http://trusted.com/callback
	host, _, _ := strings.Cut(rest, "/")
	return !strings.Contains(host, "#")
}
