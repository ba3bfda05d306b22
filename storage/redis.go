package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"idserver/oauth"
)

// Default lifetimes of Redis records.
const (
	DefaultTokenRetention = 30 * 24 * time.Hour
	DefaultCodeTTL        = 5 * time.Minute
	DefaultAuthRequestTTL = 10 * time.Minute
)

// Key types under the key prefix.
const (
	keyClient      = "client"
	keyConsent     = "consent"
	keyAccess      = "token:access"
	keyRefresh     = "token:refresh"
	keyTokenIndex  = "token:index"
	keyCode        = "code"
	keySession     = "session"
	keyAuthRequest = "authreq"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// TokenRetention bounds how long a granted token record is kept. It must
	// cover the refresh token lifetime.
	TokenRetention time.Duration
	CodeTTL        time.Duration
}

// Redis stores tokens, codes, consents, registered clients and sessions in
// Redis. Scopes, accounts and the configured clients come from a Memory catalogue.
type Redis struct {
	client         redis.UniversalClient
	static         *Memory
	keyPrefix      string
	tokenRetention time.Duration
	codeTTL        time.Duration
}

// NewRedis connects to Redis and checks connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig, static *Memory) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := NewRedisWithClient(client, cfg.KeyPrefix, static)
	if cfg.TokenRetention > 0 {
		s.tokenRetention = cfg.TokenRetention
	}
	if cfg.CodeTTL > 0 {
		s.codeTTL = cfg.CodeTTL
	}
	return s, nil
}

// NewRedisWithClient wraps a pre-configured client.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string, static *Memory) *Redis {
	return &Redis{
		client:         client,
		static:         static,
		keyPrefix:      keyPrefix,
		tokenRetention: DefaultTokenRetention,
		codeTTL:        DefaultCodeTTL,
	}
}

// Close closes the Redis client connection.
func (s *Redis) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

func (s *Redis) indexKey(clientID, subject, scope string) string {
	return s.key(keyTokenIndex, clientID+"|"+subject+"|"+scope)
}

// getJSON decodes the value at key into v. A missing key reports false.
func (s *Redis) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// GetClientByID prefers dynamically registered clients, then the catalogue.
func (s *Redis) GetClientByID(ctx context.Context, clientID string) (*oauth.Client, error) {
	var client oauth.Client
	found, err := s.getJSON(ctx, s.key(keyClient, clientID), &client)
	if err != nil {
		return nil, err
	}
	if found {
		return &client, nil
	}
	return s.static.GetClientByID(ctx, clientID)
}

// InsertClient registers a client. The client_id must be unused in Redis and
// in the catalogue.
func (s *Redis) InsertClient(ctx context.Context, client *oauth.Client) error {
	if existing, _ := s.static.GetClientByID(ctx, client.ClientID); existing != nil {
		return fmt.Errorf("%w: %s", ErrClientExists, client.ClientID)
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(keyClient, client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to register client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientExists, client.ClientID)
	}
	return nil
}

// SearchByNames delegates to the catalogue.
func (s *Redis) SearchByNames(ctx context.Context, names []string) ([]oauth.Scope, error) {
	return s.static.SearchByNames(ctx, names)
}

// GetResourceOwner delegates to the catalogue.
func (s *Redis) GetResourceOwner(ctx context.Context, login string) (*oauth.ResourceOwner, error) {
	return s.static.GetResourceOwner(ctx, login)
}

// GetConsentsForUser reads the consent hash of subject.
func (s *Redis) GetConsentsForUser(ctx context.Context, subject string) ([]oauth.Consent, error) {
	values, err := s.client.HGetAll(ctx, s.key(keyConsent, subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get consents: %w", err)
	}
	out := make([]oauth.Consent, 0, len(values))
	for _, raw := range values {
		var c oauth.Consent
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// InsertConsent stores a consent in the hash of its subject, keyed by id.
func (s *Redis) InsertConsent(ctx context.Context, consent oauth.Consent) error {
	data, err := json.Marshal(consent)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	return s.client.HSet(ctx, s.key(keyConsent, consent.Subject), consent.ID, data).Err()
}

// AddToken stores the token under its access token, points the refresh token
// at it and adds it to the (client, subject, scope) index.
func (s *Redis) AddToken(ctx context.Context, token *oauth.GrantedToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	index := s.indexKey(token.ClientID, token.Subject, token.Scope)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(keyAccess, token.AccessToken), data, s.tokenRetention)
		if token.RefreshToken != "" {
			pipe.Set(ctx, s.key(keyRefresh, token.RefreshToken), token.AccessToken, s.tokenRetention)
		}
		pipe.SAdd(ctx, index, token.AccessToken)
		pipe.Expire(ctx, index, s.tokenRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetAccessToken looks a token up by its access token.
func (s *Redis) GetAccessToken(ctx context.Context, accessToken string) (*oauth.GrantedToken, error) {
	var token oauth.GrantedToken
	found, err := s.getJSON(ctx, s.key(keyAccess, accessToken), &token)
	if err != nil || !found {
		return nil, err
	}
	return &token, nil
}

// GetRefreshToken looks a token up by its refresh token.
func (s *Redis) GetRefreshToken(ctx context.Context, refreshToken string) (*oauth.GrantedToken, error) {
	access, err := s.client.Get(ctx, s.key(keyRefresh, refreshToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return s.GetAccessToken(ctx, access)
}

// SearchTokens reads the index set. Members whose record is gone are pruned.
func (s *Redis) SearchTokens(ctx context.Context, clientID, subject, scope string) ([]*oauth.GrantedToken, error) {
	index := s.indexKey(clientID, subject, scope)
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search tokens: %w", err)
	}
	var out []*oauth.GrantedToken
	for _, access := range members {
		token, err := s.GetAccessToken(ctx, access)
		if err != nil {
			return nil, err
		}
		if token == nil {
			s.client.SRem(ctx, index, access)
			continue
		}
		out = append(out, token)
	}
	return out, nil
}

// RemoveAccessToken deletes the token, its refresh pointer and index entry.
func (s *Redis) RemoveAccessToken(ctx context.Context, accessToken string) error {
	token, err := s.GetAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(keyAccess, accessToken))
		if token.RefreshToken != "" {
			pipe.Del(ctx, s.key(keyRefresh, token.RefreshToken))
		}
		pipe.SRem(ctx, s.indexKey(token.ClientID, token.Subject, token.Scope), accessToken)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}

// RemoveRefreshToken deletes the token owning refreshToken.
func (s *Redis) RemoveRefreshToken(ctx context.Context, refreshToken string) error {
	access, err := s.client.Get(ctx, s.key(keyRefresh, refreshToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get refresh token: %w", err)
	}
	if err := s.RemoveAccessToken(ctx, access); err != nil {
		return err
	}
	return s.client.Del(ctx, s.key(keyRefresh, refreshToken)).Err()
}

// AddAuthorizationCode stores a code for the code lifetime.
func (s *Redis) AddAuthorizationCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	return s.client.Set(ctx, s.key(keyCode, code.Code), data, s.codeTTL).Err()
}

// ConsumeAuthorizationCode reads and deletes the code with a single GETDEL.
func (s *Redis) ConsumeAuthorizationCode(ctx context.Context, code string) (*oauth.AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key(keyCode, code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	var c oauth.AuthorizationCode
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &c, nil
}

// SaveSession stores a session until it expires.
func (s *Redis) SaveSession(ctx context.Context, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session already expired")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, s.key(keySession, sess.ID), data, ttl).Err()
}

// GetSession retrieves a session by ID.
func (s *Redis) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	found, err := s.getJSON(ctx, s.key(keySession, id), &sess)
	if err != nil || !found {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Redis) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(keySession, id)).Err()
}

// SaveAuthRequest stores a pending upstream login.
func (s *Redis) SaveAuthRequest(ctx context.Context, req AuthRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal auth request: %w", err)
	}
	return s.client.Set(ctx, s.key(keyAuthRequest, req.ID), data, DefaultAuthRequestTTL).Err()
}

// ConsumeAuthRequest fetches and deletes a pending upstream login.
func (s *Redis) ConsumeAuthRequest(ctx context.Context, id string) (*AuthRequest, error) {
	data, err := s.client.GetDel(ctx, s.key(keyAuthRequest, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth request: %w", err)
	}
	var req AuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth request: %w", err)
	}
	return &req, nil
}
