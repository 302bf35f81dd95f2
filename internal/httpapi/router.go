// Package httpapi assembles the job API router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"avs/internal/httpapi/handlers"
	"avs/internal/pkg/logger"
	"avs/internal/pkg/middleware"
)

type Options struct {
	CORSOrigins []string
	// RequestTimeout applies to every route except the progress stream.
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func NewRouter(h *handlers.Handler, opt Options) http.Handler {
	log := opt.Log
	if log == nil {
		log = logger.NewNop()
	}
	timeout := opt.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opt.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Location"},
		MaxAge:         600,
	}).Handler)

	// ---- STREAM ----
	// Long-lived, so it stays outside the request timeout.
	r.With(middleware.Streaming).Get("/jobs/{jobId}/stream", h.StreamJob)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		// ---- HEALTH ----
		r.Get("/health", h.Health)
		r.Get("/providers", h.Providers)

		// ---- JOBS ----
		r.Post("/jobs", h.PostJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobId}", h.GetJob)
		r.Post("/jobs/{jobId}/cancel", h.CancelJob)
	})

	return r
}
