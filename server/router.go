package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the launch flow and the dashboard
// API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	// "/" is the app's public entry: the EHR redirects in with launch+iss,
	// the authorization server redirects back with code+state. The aliases
	// make each arm addressable on its own.
	r.Get("/", a.handleEntry)
	r.Get("/launch", a.handleLaunch)
	r.Get("/callback", a.handleCallback)

	r.Get("/dashboard", a.handleDashboard)
	r.Get("/session", a.handleSession)
	r.Post("/logout", a.handleLogout)
	r.Get("/healthz", a.handleHealth)

	return r
}
