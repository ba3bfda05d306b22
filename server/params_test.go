package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idserver/jwtkit"
	"idserver/oauth"
)

func TestParseAuthorizationParameter(t *testing.T) {
	v := url.Values{
		"client_id":     {"web"},
		"scope":         {"openid profile"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"response_type": {"code"},
		"response_mode": {"form_post"},
		"state":         {"xyz"},
		"nonce":         {"n-1"},
		"max_age":       {"300"},
		"claims":        {`{"id_token":{"email":{"essential":true},"acr":{"values":["urn:a","urn:b"]}},"userinfo":{"name":null,"age":{"value":21}}}`},
	}
	param, err := parseAuthorizationParameter(v)
	require.NoError(t, err)

	assert.Equal(t, "web", param.ClientID)
	assert.Equal(t, oauth.ResponseModeFormPost, param.ResponseMode)
	assert.Equal(t, int64(300), param.MaxAge)
	assert.Equal(t, "n-1", param.Nonce)

	assert.Equal(t, []oauth.ClaimParameter{
		{Name: "acr", Values: []string{"urn:a", "urn:b"}},
		{Name: "email", Essential: true},
	}, param.Claims.IDToken)
	assert.Equal(t, []oauth.ClaimParameter{
		{Name: "age", Value: "21"},
		{Name: "name"},
	}, param.Claims.UserInfo)
}

func TestParseAuthorizationParameterRejects(t *testing.T) {
	tests := map[string]url.Values{
		"response_mode": {"response_mode": {"web_message"}},
		"max_age":       {"max_age": {"-1"}},
		"claims":        {"claims": {"{not json"}},
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			v.Set("state", "s-1")
			_, err := parseAuthorizationParameter(v)
			oe, ok := oauth.AsError(err)
			require.True(t, ok)
			assert.Equal(t, oauth.ErrCodeInvalidRequest, oe.Code)
			assert.Contains(t, oe.Description, name)
			assert.Equal(t, "s-1", oe.State)
		})
	}
}

func TestRequestObjectValuesOverlayQuery(t *testing.T) {
	payload := jwtkit.Payload{
		"client_id":     "web",
		"scope":         "openid email",
		"state":         "from-object",
		"max_age":       float64(60),
		"claims":        map[string]any{"userinfo": map[string]any{"email": nil}},
		"iss":           "web",
		"response_type": nil,
	}
	values := requestObjectValues(payload)
	assert.Equal(t, "60", values.Get("max_age"))
	assert.JSONEq(t, `{"userinfo":{"email":null}}`, values.Get("claims"))
	assert.NotContains(t, values, "iss")
	assert.NotContains(t, values, "response_type")

	merged := mergeValues(url.Values{"state": {"from-query"}, "response_type": {"code"}}, values)
	assert.Equal(t, "from-object", merged.Get("state"))
	assert.Equal(t, "code", merged.Get("response_type"))
	assert.Equal(t, "openid email", merged.Get("scope"))
}

func TestClientCredentialsDecodesBasicAuth(t *testing.T) {
	form := url.Values{
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {"a.b.c"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape("my client"), url.QueryEscape("p@ss:word"))
	require.NoError(t, req.ParseForm())

	creds := clientCredentials(req)
	assert.Equal(t, "my client", creds.BasicClientID)
	assert.Equal(t, "p@ss:word", creds.BasicClientSecret)
	assert.Equal(t, "a.b.c", creds.ClientAssertion)
	assert.Empty(t, creds.FormClientID)
}

func TestParseTokenRequest(t *testing.T) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"c-1"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {"v"},
		"client_id":     {"web"},
		"client_secret": {"s3cret"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, req.ParseForm())

	tr := parseTokenRequest(req)
	assert.Equal(t, oauth.GrantTypeAuthorizationCode, tr.GrantType)
	assert.Equal(t, "c-1", tr.Code)
	assert.Equal(t, "v", tr.CodeVerifier)
	assert.Equal(t, "web", tr.Client.FormClientID)
	assert.Equal(t, "s3cret", tr.Client.FormClientSecret)
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, extractBearerToken(req), header)
	}
}
