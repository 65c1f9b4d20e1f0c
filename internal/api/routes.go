package api

import (
	"geoalign/internal/artifact"
	"geoalign/internal/health"
	"geoalign/internal/job"
	"geoalign/internal/observability"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService     *job.Service
	Workspace      *artifact.Workspace
	Metrics        *observability.Metrics
	HealthChecker  *health.Checker
	AllowedOrigins []string
	MaxUploadBytes int64
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.JobService, cfg.Workspace, cfg.HealthChecker, cfg.MaxUploadBytes)

	r := chi.NewRouter()

	// Outermost first.
	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	r.Get("/livez", h.Livez)
	r.Get("/readyz", h.Readyz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", h.Upload)
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobId}", h.GetJob)
		r.Get("/rasters/{jobId}/{filename}", h.GetRaster)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})

	return r
}
