// Package app wires application components and startup helpers shared by the
// server and worker binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/command-platform/internal/adapter/httpserver"
	"github.com/fairyhunter13/command-platform/internal/adapter/observability"
	"github.com/fairyhunter13/command-platform/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Command-Id", "X-Process-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit the intake endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/commands/{name}", srv.SubmitCommandHandler())
		wr.Post("/processes/{type}", srv.StartProcessHandler())
	})
	// Read-only endpoints
	r.Get("/commands/{id}", srv.CommandStatusHandler())
	r.Get("/processes/{id}", srv.ProcessStatusHandler())

	// Health and metrics. /health carries the dependency probes so a bare
	// liveness check stays cheap on /healthz.
	r.Get("/health", srv.ReadyzHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// Operator endpoints
	if cfg.AdminEnabled() {
		srv.MountAdmin(r)
	}

	return httpserver.SecurityHeaders(r)
}
