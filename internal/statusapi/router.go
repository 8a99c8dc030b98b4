// Package statusapi implements the small operational HTTP surface: liveness
// and readiness probes, and read-only queue-depth introspection. It is not a
// pipeline stage — nothing here drives series through the queue.
package statusapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds a chi router exposing /health, /health/live, /health/ready,
// and /status.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET"},
		AllowedOrigins: []string{"*"},
	}))
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/status", srv.HandleStatus)

	return r
}
