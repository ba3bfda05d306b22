package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"idserver/jwtkit"
	"idserver/oauth"
)

// authorizationValues are the request parameters an authorization request
// (or a request object) may carry.
var authorizationValues = []string{
	"client_id", "scope", "redirect_uri", "response_type", "response_mode",
	"prompt", "max_age", "nonce", "state", "claims", "code_challenge",
	"code_challenge_method", "acr_values",
}

// claimRequest is one member of the claims request parameter
// (OpenID Connect Core 5.5.1). A JSON null member decodes to nil.
type claimRequest struct {
	Essential bool  `json:"essential"`
	Value     any   `json:"value"`
	Values    []any `json:"values"`
}

type claimsRequest struct {
	UserInfo map[string]*claimRequest `json:"userinfo"`
	IDToken  map[string]*claimRequest `json:"id_token"`
}

// parseAuthorizationParameter builds an authorization request from query or
// form values.
func parseAuthorizationParameter(v url.Values) (*oauth.AuthorizationParameter, error) {
	param := &oauth.AuthorizationParameter{
		ClientID:            v.Get("client_id"),
		Scope:               v.Get("scope"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		ResponseMode:        oauth.ResponseMode(v.Get("response_mode")),
		Prompt:              v.Get("prompt"),
		Nonce:               v.Get("nonce"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		AcrValues:           v.Get("acr_values"),
	}
	fail := func(name string) error {
		return oauth.Errorf(oauth.ErrCodeInvalidRequest, "the parameter %s is not correct", name).WithState(param.State)
	}

	switch param.ResponseMode {
	case oauth.ResponseModeNone, oauth.ResponseModeQuery, oauth.ResponseModeFragment, oauth.ResponseModeFormPost:
	default:
		return nil, fail("response_mode")
	}

	if raw := v.Get("max_age"); raw != "" {
		maxAge, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || maxAge < 0 {
			return nil, fail("max_age")
		}
		param.MaxAge = maxAge
	}

	if raw := v.Get("claims"); raw != "" {
		claims, err := parseClaimsParameter(raw)
		if err != nil {
			return nil, fail("claims")
		}
		param.Claims = claims
	}
	return param, nil
}

func parseClaimsParameter(raw string) (oauth.ClaimsParameter, error) {
	var req claimsRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return oauth.ClaimsParameter{}, err
	}
	return oauth.ClaimsParameter{
		IDToken:  claimParameters(req.IDToken),
		UserInfo: claimParameters(req.UserInfo),
	}, nil
}

func claimParameters(members map[string]*claimRequest) []oauth.ClaimParameter {
	if len(members) == 0 {
		return nil
	}
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]oauth.ClaimParameter, 0, len(names))
	for _, name := range names {
		cp := oauth.ClaimParameter{Name: name}
		if m := members[name]; m != nil {
			cp.Essential = m.Essential
			if m.Value != nil {
				cp.Value = jwtkit.ClaimString(m.Value)
			}
			for _, val := range m.Values {
				cp.Values = append(cp.Values, jwtkit.ClaimString(val))
			}
		}
		out = append(out, cp)
	}
	return out
}

// requestObjectValues flattens the claims of a request object into request
// parameters. Structured members such as claims are re-encoded as JSON.
func requestObjectValues(payload jwtkit.Payload) url.Values {
	out := url.Values{}
	for _, name := range authorizationValues {
		val, ok := payload[name]
		if !ok || val == nil {
			continue
		}
		switch t := val.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out.Set(name, string(b))
		default:
			out.Set(name, jwtkit.ClaimString(t))
		}
	}
	return out
}

// mergeValues overlays request object values on the query, as
// OpenID Connect Core 6.3.3 requires.
func mergeValues(query, overlay url.Values) url.Values {
	out := url.Values{}
	for k, v := range query {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// parseTokenRequest reads a token endpoint form. The form must already be parsed.
func parseTokenRequest(r *http.Request) *oauth.TokenRequest {
	return &oauth.TokenRequest{
		GrantType:    oauth.GrantType(r.PostForm.Get("grant_type")),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		Scope:        r.PostForm.Get("scope"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Client:       clientCredentials(r),
	}
}

// clientCredentials collects every credential a client may present: HTTP
// basic, form fields and a client assertion.
func clientCredentials(r *http.Request) oauth.ClientCredentials {
	creds := oauth.ClientCredentials{
		FormClientID:        r.PostForm.Get("client_id"),
		FormClientSecret:    r.PostForm.Get("client_secret"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: the credentials are form-urlencoded before base64.
		if decoded, err := url.QueryUnescape(id); err == nil {
			id = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			secret = decoded
		}
		creds.BasicClientID = id
		creds.BasicClientSecret = secret
	}
	return creds
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
