package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"idserver/jwtkit"
)

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// AccessTokenSigner signs access tokens with the server's current key and
// resolves verification keys by kid.
type AccessTokenSigner interface {
	Sign(claims jwt.MapClaims) (token string, kid string, err error)
	Keyfunc(token *jwt.Token) (any, error)
}

// TokenIssuerConfig configures a TokenIssuer.
type TokenIssuerConfig struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenIssuer mints access and refresh tokens.
type TokenIssuer struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	signer     AccessTokenSigner
	logger     *slog.Logger
	now        func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig, signer AccessTokenSigner, logger *slog.Logger) *TokenIssuer {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenIssuer{
		issuer:     strings.TrimSuffix(cfg.Issuer, "/"),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		signer:     signer,
		logger:     logger,
		now:        time.Now,
	}
}

// GrantRequest describes the token to mint.
type GrantRequest struct {
	ClientID        string
	Subject         string
	Scope           string
	IDTokenPayload  jwtkit.Payload
	UserInfoPayload jwtkit.Payload
	WithRefresh     bool
	ParentRefresh   string
}

// GrantToken mints a signed access token and, when requested and enabled, an
// opaque refresh token. Nothing is persisted.
func (ti *TokenIssuer) GrantToken(req GrantRequest) (*GrantedToken, error) {
	if req.ClientID == "" {
		return nil, missingArgument("client_id")
	}
	now := ti.now()
	claims := AccessTokenClaims{
		Scope:    req.Scope,
		ClientID: req.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	access, err := ti.sign(claims)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	token := &GrantedToken{
		AccessToken:     access,
		TokenType:       "Bearer",
		Scope:           req.Scope,
		ClientID:        req.ClientID,
		Subject:         req.Subject,
		CreateDateTime:  now,
		ExpiresIn:       int64(ti.accessTTL.Seconds()),
		IDTokenPayload:  req.IDTokenPayload,
		UserInfoPayload: req.UserInfoPayload,
		ParentRefresh:   req.ParentRefresh,
	}
	if req.WithRefresh && ti.refreshTTL > 0 {
		token.RefreshToken = uuid.NewString()
	}
	ti.logger.Debug("access token minted", "client_id", req.ClientID, "sub", req.Subject, "jti", claims.ID)
	return token, nil
}

// RefreshTokenExpired reports whether the refresh token of t has outlived the
// configured refresh lifetime.
func (ti *TokenIssuer) RefreshTokenExpired(t *GrantedToken) bool {
	if ti.refreshTTL <= 0 {
		return true
	}
	return ti.now().After(t.CreateDateTime.Add(ti.refreshTTL))
}

// ValidateAccessToken parses and validates a minted JWT.
func (ti *TokenIssuer) ValidateAccessToken(token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithTimeFunc(ti.now),
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ti.signer.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (ti *TokenIssuer) sign(claims AccessTokenClaims) (string, error) {
	claims.Issuer = ti.issuer
	mapClaims, err := claimsToMap(claims)
	if err != nil {
		return "", err
	}
	token, _, err := ti.signer.Sign(mapClaims)
	return token, err
}

func claimsToMap(claims AccessTokenClaims) (jwt.MapClaims, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var out jwt.MapClaims
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
