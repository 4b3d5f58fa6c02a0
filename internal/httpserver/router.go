package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relicta-tech/rollout/internal/httpserver/middleware"
)

// setupRouter configures the Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	var recorder middleware.RequestRecorder
	if s.metrics != nil {
		recorder = s.metrics
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(recorder))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders())
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(s.corsMiddleware())
	}

	r.Get("/health", s.api.Health)
	if s.metricsH != nil && s.metricsAt != "" {
		r.Method(http.MethodGet, s.metricsAt, s.metricsH)
	}

	// GitLab authenticates hooks with its own token header.
	r.Post("/hooks/gitlab", s.api.GitLabHook)

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		// Signed events carry their own authentication.
		if s.config.EventSecret != "" {
			r.Post("/deployments", s.api.Deployment)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(s.config.APIToken))

			if s.config.EventSecret == "" {
				r.Post("/deployments", s.api.Deployment)
			}

			r.Get("/releases", s.api.ListReleases)
			r.Route("/commands", func(r chi.Router) {
				r.Post("/create", s.api.CreateRelease)
				r.Post("/cancel", s.api.CancelRelease)
				r.Post("/end", s.api.EndRelease)
			})
			r.Get("/ws", s.wsHub.ServeHTTP)
		})
	})

	return r
}

// corsMiddleware returns configured CORS middleware.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
