package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the configured realm mode.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleIndex)
	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/whoami", a.handleWhoAmI)
	r.Get("/logout", a.handleLogout)
	r.Post("/logout", a.handleLogout)

	switch a.Config.Realm.Mode {
	case ModeSSO:
		r.Route(a.Config.Realm.SSOBasePath, func(r chi.Router) {
			r.Get("/commenceLogin", a.handleCommenceLogin)
			r.Post("/commenceLogin", a.handleCommenceLogin)
			r.Get("/finishLogin", a.handleFinishLogin)
			r.Post("/finishLogin", a.handleFinishLogin)
		})
	case ModeLoginService:
		r.Route(a.Config.Realm.LoginServiceBasePath, func(r chi.Router) {
			r.Use(a.requireLoginService)
			r.Get("/login", a.handleLoginForm)
			r.Get("/startLogin", a.handleStartLogin)
			r.Post("/startLogin", a.handleStartLogin)
			r.Get("/finish", a.handleFinishLogin)
			r.Post("/finish", a.handleFinishLogin)
			r.Post("/startAssociate", a.handleStartAssociate)
			r.Post("/unbind", a.handleUnbind)
		})
	}

	return r
}

// requireLoginService answers 404 while the login service is switched off.
func (a *App) requireLoginService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Config.Realm.LoginServiceEnabled {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
