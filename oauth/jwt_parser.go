package oauth

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v3"

	"idserver/jwtkit"
)

// JwtParser decrypts and verifies tokens sent by clients or issued by this server.
//
// Every "not verifiable" condition (unreadable header, no matching key,
// failed fetch, bad signature) yields a nil result and an error wrapping
// ErrTokenNotVerifiable. Empty arguments yield ErrMissingArgument and an
// unknown client yields ErrClientNotValid.
type JwtParser struct {
	clients ClientRepository
	keys    KeyRepository
	fetcher *JwksFetcher
	jws     jwtkit.JwsParser
	jwe     jwtkit.JweParser
}

// NewJwtParser constructs a JwtParser.
func NewJwtParser(clients ClientRepository, keys KeyRepository, fetcher *JwksFetcher) *JwtParser {
	if fetcher == nil {
		fetcher = NewJwksFetcher(nil, 0)
	}
	return &JwtParser{clients: clients, keys: keys, fetcher: fetcher}
}

// IsJweToken reports whether token has a readable JWE header.
func (p *JwtParser) IsJweToken(token string) bool {
	return p.jwe.GetHeader(token) != nil
}

// IsJwsToken reports whether token has a readable JWS header.
func (p *JwtParser) IsJwsToken(token string) bool {
	return p.jws.GetHeader(token) != nil
}

// Decrypt decrypts a JWE sent by clientID with one of the client's inline keys
// and returns the plaintext, usually a nested JWS. jwks_uri is not consulted.
func (p *JwtParser) Decrypt(ctx context.Context, jwe, clientID string) (string, error) {
	if jwe == "" {
		return "", missingArgument("jwe")
	}
	if clientID == "" {
		return "", missingArgument("clientId")
	}
	client, err := p.client(ctx, clientID)
	if err != nil {
		return "", err
	}
	hdr := p.jwe.GetHeader(jwe)
	if hdr == nil {
		return "", notVerifiable("the jwe header cannot be read")
	}
	key := jwtkit.FindKey(client.JSONWebKeys, hdr.Kid, hdr.Alg)
	if key == nil {
		return "", notVerifiable("no inline key %q for client %s", hdr.Kid, clientID)
	}
	return p.decrypt(jwe, key)
}

// DecryptWithServerKey decrypts a JWE addressed to one of the server's keys.
func (p *JwtParser) DecryptWithServerKey(ctx context.Context, jwe string) (string, error) {
	if jwe == "" {
		return "", missingArgument("jwe")
	}
	hdr := p.jwe.GetHeader(jwe)
	if hdr == nil {
		return "", notVerifiable("the jwe header cannot be read")
	}
	key, err := p.serverKey(ctx, hdr)
	if err != nil {
		return "", err
	}
	return p.decrypt(jwe, key)
}

func (p *JwtParser) decrypt(jwe string, key *jose.JSONWebKey) (string, error) {
	plain, err := p.jwe.Parse(jwe, key)
	if err != nil {
		return "", notVerifiable("%v", err)
	}
	return plain, nil
}

// UnSign verifies a JWS sent by clientID and returns its payload. An
// unsecured ("none") token is returned unverified without resolving any key.
func (p *JwtParser) UnSign(ctx context.Context, jws, clientID string) (jwtkit.Payload, error) {
	if jws == "" {
		return nil, missingArgument("jws")
	}
	if clientID == "" {
		return nil, missingArgument("clientId")
	}
	client, err := p.client(ctx, clientID)
	if err != nil {
		return nil, err
	}
	hdr := p.jws.GetHeader(jws)
	if hdr == nil {
		return nil, notVerifiable("the jws header cannot be read")
	}
	if hdr.Alg == string(jwtkit.JwsNone) {
		return p.unsecuredPayload(jws)
	}
	key, err := p.resolveClientKey(ctx, client, hdr)
	if err != nil {
		return nil, err
	}
	return p.verify(jws, key)
}

// UnSignWithServerKey verifies a JWS signed by one of the server's own keys.
func (p *JwtParser) UnSignWithServerKey(ctx context.Context, jws string) (jwtkit.Payload, error) {
	if jws == "" {
		return nil, missingArgument("jws")
	}
	hdr := p.jws.GetHeader(jws)
	if hdr == nil {
		return nil, notVerifiable("the jws header cannot be read")
	}
	if hdr.Alg == string(jwtkit.JwsNone) {
		return p.unsecuredPayload(jws)
	}
	key, err := p.serverKey(ctx, hdr)
	if err != nil {
		return nil, err
	}
	return p.verify(jws, key)
}

func (p *JwtParser) unsecuredPayload(jws string) (jwtkit.Payload, error) {
	payload, err := p.jws.GetPayload(jws)
	if err != nil {
		return nil, notVerifiable("%v", err)
	}
	return payload, nil
}

// resolveClientKey looks for the kid in the client's inline keys first, then
// in the set published at its jwks_uri.
func (p *JwtParser) resolveClientKey(ctx context.Context, client *Client, hdr *jwtkit.Header) (*jose.JSONWebKey, error) {
	if key := jwtkit.FindKey(client.JSONWebKeys, hdr.Kid, hdr.Alg); key != nil {
		return key, nil
	}
	if client.JwksURI == "" {
		return nil, notVerifiable("no key %q for client %s", hdr.Kid, client.ClientID)
	}
	key, err := p.fetcher.FindKey(ctx, client.JwksURI, hdr.Kid, hdr.Alg)
	if err != nil {
		return nil, notVerifiable("%v", err)
	}
	return key, nil
}

func (p *JwtParser) serverKey(ctx context.Context, hdr *jwtkit.Header) (*jose.JSONWebKey, error) {
	if p.keys == nil {
		return nil, notVerifiable("no server keys")
	}
	keys, err := p.keys.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load server keys: %w", err)
	}
	key := jwtkit.FindKey(keys, hdr.Kid, hdr.Alg)
	if key == nil {
		return nil, notVerifiable("no server key %q", hdr.Kid)
	}
	return key, nil
}

func (p *JwtParser) verify(jws string, key *jose.JSONWebKey) (jwtkit.Payload, error) {
	payload, err := p.jws.ValidateSignature(jws, key)
	if err != nil {
		return nil, notVerifiable("%v", err)
	}
	return payload, nil
}

func (p *JwtParser) client(ctx context.Context, clientID string) (*Client, error) {
	client, err := p.clients.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	if client == nil {
		return nil, clientNotValid(clientID)
	}
	return client, nil
}

func notVerifiable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTokenNotVerifiable, fmt.Sprintf(format, args...))
}
