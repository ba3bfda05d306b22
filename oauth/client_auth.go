package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"idserver/jwtkit"
)

// ClientAssertionTypeJWTBearer is the only supported client_assertion_type.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAuthenticator authenticates clients at the token, introspection and
// revocation endpoints.
type ClientAuthenticator struct {
	clients ClientRepository
	parser  *JwtParser
	now     func() time.Time
}

// NewClientAuthenticator constructs a ClientAuthenticator.
func NewClientAuthenticator(clients ClientRepository, parser *JwtParser) *ClientAuthenticator {
	return &ClientAuthenticator{clients: clients, parser: parser, now: time.Now}
}

// Authenticate returns the authenticated client or an invalid_client error.
// audience is the value a client assertion must carry in aud (the issuer or
// the token endpoint URL).
func (a *ClientAuthenticator) Authenticate(ctx context.Context, creds ClientCredentials, audience ...string) (*Client, error) {
	if creds.ClientAssertion != "" {
		return a.authenticateAssertion(ctx, creds, audience)
	}

	clientID := creds.ClientID()
	if clientID == "" {
		return nil, NewError(ErrCodeInvalidClient, descClientCredentialsNotValid)
	}
	client, err := a.lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}

	method := client.TokenEndpointAuthMethod
	if method == "" {
		method = AuthMethodClientSecretBasic
	}
	switch method {
	case AuthMethodNone:
		return client, nil
	case AuthMethodClientSecretBasic:
		if creds.BasicClientID != "" && secretEqual(client.Secret, creds.BasicClientSecret) {
			return client, nil
		}
		// Lenient for clients registered before the method was recorded.
		if client.TokenEndpointAuthMethod == "" && creds.FormClientID != "" && secretEqual(client.Secret, creds.FormClientSecret) {
			return client, nil
		}
	case AuthMethodClientSecretPost:
		if creds.FormClientID != "" && secretEqual(client.Secret, creds.FormClientSecret) {
			return client, nil
		}
	}
	return nil, NewError(ErrCodeInvalidClient, descClientCredentialsNotValid)
}

func (a *ClientAuthenticator) authenticateAssertion(ctx context.Context, creds ClientCredentials, audience []string) (*Client, error) {
	if creds.ClientAssertionType != ClientAssertionTypeJWTBearer {
		return nil, Errorf(ErrCodeInvalidClient, descParameterNotCorrect, "client_assertion_type")
	}
	unverified, err := jwtkit.JwsParser{}.GetPayload(creds.ClientAssertion)
	if err != nil {
		return nil, NewError(ErrCodeInvalidClient, descClientAssertionNotValid)
	}
	clientID := unverified.Issuer()
	if clientID == "" {
		return nil, NewError(ErrCodeInvalidClient, descClientAssertionNotValid)
	}
	client, err := a.lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}

	var payload jwtkit.Payload
	switch client.TokenEndpointAuthMethod {
	case AuthMethodPrivateKeyJWT:
		payload, err = a.parser.UnSign(ctx, creds.ClientAssertion, clientID)
	case AuthMethodClientSecretJWT:
		key := &jose.JSONWebKey{Key: []byte(client.Secret)}
		payload, err = jwtkit.JwsParser{}.ValidateSignature(creds.ClientAssertion, key)
	default:
		return nil, NewError(ErrCodeInvalidClient, descClientCredentialsNotValid)
	}
	if err != nil || payload == nil {
		return nil, NewError(ErrCodeInvalidClient, descClientAssertionNotValid)
	}
	if hdr := (jwtkit.JwsParser{}).GetHeader(creds.ClientAssertion); hdr == nil || hdr.Alg == string(jwtkit.JwsNone) {
		return nil, NewError(ErrCodeInvalidClient, descClientAssertionNotValid)
	}
	if err := a.checkAssertionClaims(payload, clientID, audience); err != nil {
		return nil, NewError(ErrCodeInvalidClient, descClientAssertionNotValid)
	}
	return client, nil
}

// checkAssertionClaims enforces iss == sub == client_id, an unexpired exp and
// one of the accepted audiences.
func (a *ClientAuthenticator) checkAssertionClaims(payload jwtkit.Payload, clientID string, audience []string) error {
	claims := jwt.MapClaims(payload)
	if payload.Issuer() != clientID || payload.Subject() != clientID {
		return errors.New("iss and sub must be the client id")
	}
	v := jwt.NewValidator(jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now), jwt.WithLeeway(30*time.Second))
	if err := v.Validate(claims); err != nil {
		return fmt.Errorf("validate assertion: %w", err)
	}
	if len(audience) == 0 {
		return nil
	}
	for _, aud := range payload.Audiences() {
		for _, want := range audience {
			if aud == want {
				return nil
			}
		}
	}
	return errors.New("audience rejected")
}

func (a *ClientAuthenticator) lookup(ctx context.Context, clientID string) (*Client, error) {
	client, err := a.clients.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	if client == nil {
		return nil, NewError(ErrCodeInvalidClient, descClientCredentialsNotValid)
	}
	return client, nil
}

// secretEqual checks got against a stored secret, which is either plain or a
// bcrypt hash. Hashed secrets cannot back client_secret_jwt.
func secretEqual(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	if isBcryptHash(want) {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(got)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	switch s[:4] {
	case "$2a$", "$2b$", "$2y$":
		return true
	}
	return false
}
