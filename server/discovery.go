package server

import (
	"slices"

	"idserver/jwtkit"
	"idserver/oauth"
)

// DiscoveryDocument is the OpenID Provider metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document.
func BuildDiscoveryDocument(cfg Config, providers []string) DiscoveryDocument {
	issuer := cfg.Issuer()

	scopes := make([]string, 0, len(cfg.Scopes))
	claims := []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "acr", "amr", "azp"}
	for _, s := range cfg.Scopes {
		if !s.Exposed {
			continue
		}
		scopes = append(scopes, s.Name)
		claims = appendUnique(claims, s.Claims...)
	}

	doc := DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"introspection_endpoint":                issuer + "/introspect",
		"revocation_endpoint":                   issuer + "/revoke",
		"end_session_endpoint":                  issuer + "/logout",
		"scopes_supported":                      scopes,
		"claims_supported":                      claims,
		"claims_parameter_supported":            true,
		"request_parameter_supported":           true,
		"request_uri_parameter_supported":       false,
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code", "id_token", "id_token token", "code id_token", "code token", "code id_token token"},
		"response_modes_supported":              []string{string(oauth.ResponseModeQuery), string(oauth.ResponseModeFragment), string(oauth.ResponseModeFormPost)},
		"grant_types_supported":                 []string{string(oauth.GrantTypeAuthorizationCode), string(oauth.GrantTypeImplicit), string(oauth.GrantTypeRefreshToken), string(oauth.GrantTypeClientCredentials), string(oauth.GrantTypePassword)},
		"prompt_values_supported":               []string{string(oauth.PromptNone), string(oauth.PromptLogin), string(oauth.PromptConsent), string(oauth.PromptSelectAccount)},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"id_token_signing_alg_values_supported": jwtkit.SupportedJwsAlgs(),
		"id_token_encryption_alg_values_supported": []string{
			string(jwtkit.JweRSA15), string(jwtkit.JweRSAOAEP), string(jwtkit.JweRSAOAEP256),
		},
		"id_token_encryption_enc_values_supported": []string{
			string(jwtkit.JweA128CBCHS256), string(jwtkit.JweA256CBCHS512), string(jwtkit.JweA128GCM), string(jwtkit.JweA256GCM),
		},
		"userinfo_signing_alg_values_supported":       jwtkit.SupportedJwsAlgs(),
		"request_object_signing_alg_values_supported": jwtkit.SupportedJwsAlgs(),
		"token_endpoint_auth_methods_supported": []string{
			string(oauth.AuthMethodClientSecretBasic), string(oauth.AuthMethodClientSecretPost),
			string(oauth.AuthMethodClientSecretJWT), string(oauth.AuthMethodPrivateKeyJWT), string(oauth.AuthMethodNone),
		},
	}
	if cfg.Server.Registration {
		doc["registration_endpoint"] = issuer + "/registration"
	}
	if len(providers) > 0 {
		doc["identity_providers"] = providers
	}
	return doc
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
