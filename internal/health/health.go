// Package health exposes a minimal chi-routed HTTP surface for liveness and
// status checks. It carries no authentication: it is intended to be bound to
// a loopback or cluster-internal address only.
package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthzHandler serves the agent's current health snapshot as JSON.
type HealthzHandler interface {
	HealthzHandler(w http.ResponseWriter, r *http.Request)
}

// NewRouter returns a chi.Router exposing GET /healthz against h.
func NewRouter(h HealthzHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HealthzHandler)

	return r
}
