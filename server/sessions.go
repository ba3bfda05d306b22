package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"idserver/oauth"
	"idserver/storage"
)

const sessionCookieName = "idsrv_session"

// SessionStore persists browser sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	// Lax lets the session cookie ride on the top-level redirect back from
	// an upstream provider.
	sameSite := http.SameSiteLaxMode
	ttl := cfg.Server.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*storage.Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	sess, err := sm.store.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	if sm.now().After(sess.ExpiresAt) {
		_ = sm.store.DeleteSession(r.Context(), sess.ID)
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	if err := sm.store.SaveSession(r.Context(), *sess); err != nil {
		sm.logger.Warn("session extend failed", "error", err)
	}
	return sess, nil
}

// Principal returns the claims principal of the request's session, or nil.
func (sm *SessionManager) Principal(r *http.Request) (oauth.Principal, error) {
	sess, err := sm.Fetch(r)
	if err != nil || sess == nil {
		return nil, err
	}
	return sess.Principal(), nil
}

// Create establishes a session for principal and sets the cookie. An
// existing session of the request is replaced.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, provider string, principal oauth.Principal) (*storage.Session, error) {
	if old, err := r.Cookie(sessionCookieName); err == nil && old.Value != "" {
		_ = sm.store.DeleteSession(r.Context(), old.Value)
	}

	now := sm.now()
	authTime, ok := principal.AuthenticationInstant()
	if !ok {
		authTime = now
	}
	claims := make(map[string]any, len(principal))
	for k, v := range principal {
		if k == oauth.ClaimSubject || k == oauth.ClaimAuthenticationInstant {
			continue
		}
		claims[k] = v
	}
	sess := storage.Session{
		ID:        storage.NewID(),
		Subject:   principal.Subject(),
		Provider:  provider,
		Claims:    claims,
		AuthTime:  authTime,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.SaveSession(r.Context(), sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	sm.logger.Info("session created", "sub", sess.Subject, "provider", provider)
	return &sess, nil
}

// Clear deletes the request's session and expires the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := sm.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
