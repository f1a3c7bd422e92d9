package api

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the sentineld REST API.
//
// Route layout:
//
//	GET /healthz           – liveness probe (no authentication required)
//	GET /api/v1/events     – paginated finalized process-event query (JWT required)
//	GET /api/v1/stats      – the §6 statistics snapshot (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes. Each route additionally requires the scope
	// that matches its sensitivity: raw event records (argv/env/signature
	// identifiers) are gated separately from the aggregate stats snapshot.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))

			r.Group(func(r chi.Router) {
				r.Use(RequireScope(ScopeEventsRead))
				r.Get("/events", srv.handleGetEvents)
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireScope(ScopeStatsRead))
				r.Get("/stats", srv.handleGetStats)
			})
			return
		}

		r.Get("/events", srv.handleGetEvents)
		r.Get("/stats", srv.handleGetStats)
	})

	return r
}
