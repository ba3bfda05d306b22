package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	if a.Config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware)
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/authorize", a.handleAuthorize)
	r.Get("/authenticate", a.handleAuthenticateIndex)
	r.Post("/authenticate/local", a.handleLocalLogin)
	r.Get("/callback/{idp}", a.handleCallback)
	r.Get("/consent", a.handleConsentIndex)
	r.Post("/consent", a.handleConsentConfirm)

	r.Group(func(r chi.Router) {
		r.Use(NoStoreMiddleware)
		r.Post("/token", a.handleToken)
		r.Post("/introspect", a.handleIntrospect)
		r.Post("/revoke", a.handleRevoke)
		r.Get("/userinfo", a.handleUserInfo)
		r.Post("/userinfo", a.handleUserInfo)
	})

	if a.Config.Server.Registration {
		r.Post("/registration", a.handleRegistration)
	}
	r.Get("/logout", a.handleLogout)
	r.Post("/logout", a.handleLogout)

	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics)
	}
	return r
}
