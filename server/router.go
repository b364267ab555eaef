package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all federation endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/sso/authentication", a.handleAuthentication)
	r.Post("/sso/token", a.handleTokenRedemption)
	r.Put("/sso/impersonation", a.handleImpersonate)
	r.Delete("/sso/impersonation", a.handleClearImpersonation)

	r.Get("/login", a.handleLogin)
	r.Post("/login", a.handleDevLogin)
	r.Get("/login/callback/{provider}", a.handleLoginCallback)
	r.Post("/logout", a.handleLogout)

	r.Get("/", a.handleStatus)

	return r
}
