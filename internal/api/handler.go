// Package api provides the HTTP handlers and routing for the geoalign service.
package api

import (
	"encoding/json"
	"errors"
	"geoalign/internal/apperrors"
	"geoalign/internal/artifact"
	"geoalign/internal/health"
	"geoalign/internal/job"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits JSON request bodies to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20

// Response messages the browser client matches on.
const (
	msgUploadOK     = "Upload successful"
	msgFileTooLarge = "File too large"
	msgJobNotFound  = "Job not found"
	msgFileNotFound = "File not found"
	msgNotJSON      = "Invalid request body: Content-Type must be application/json"
)

// UploadResponse is returned by POST /api/upload.
type UploadResponse struct {
	Message string `json:"message"`
	ImageID string `json:"imageId"`
}

// Handler contains HTTP handlers for the geoalign API
type Handler struct {
	svc       *job.Service
	workspace *artifact.Workspace
	health    *health.Checker
	maxUpload int64
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, workspace *artifact.Workspace, healthChecker *health.Checker, maxUpload int64) *Handler {
	return &Handler{
		svc:       svc,
		workspace: workspace,
		health:    healthChecker,
		maxUpload: maxUpload,
	}
}

// Upload handles POST /api/upload. The file part is streamed straight to disk.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, artifact.ErrNoFile.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.handleUploadError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		imageID, err := h.workspace.SaveUpload(part.FileName(), part)
		part.Close()
		if err != nil {
			h.handleUploadError(w, r, err)
			return
		}

		slog.InfoContext(r.Context(), "Image uploaded", "imageId", imageID, "originalName", part.FileName())
		h.writeJSON(w, http.StatusOK, UploadResponse{Message: msgUploadOK, ImageID: imageID})
		return
	}

	h.writeError(w, http.StatusBadRequest, artifact.ErrNoFile.Error())
}

// CreateJob handles POST /api/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		h.writeError(w, http.StatusBadRequest, msgNotJSON)
		return
	}

	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /api/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "jobId"))
	if errors.Is(err, apperrors.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, msgJobNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetRaster handles GET /api/rasters/{jobId}/{filename}. Whether the file
// exists is all that matters; the job record is not consulted.
func (h *Handler) GetRaster(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	f, info, err := h.workspace.OpenOutput(chi.URLParam(r, "jobId"), filename)
	if errors.Is(err, apperrors.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/tiff")
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while shutting down or when a critical dependency is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// handleUploadError classifies failures while reading or storing an upload.
// Anything that is not one of our own errors came from the request body.
func (h *Handler) handleUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	var appErr *apperrors.Error
	switch {
	case errors.As(err, &tooLarge):
		slog.WarnContext(r.Context(), "Upload rejected", "error", err, "limit", tooLarge.Limit)
		h.writeError(w, http.StatusBadRequest, msgFileTooLarge)
	case errors.As(err, &appErr):
		h.handleError(w, r, err)
	default:
		slog.WarnContext(r.Context(), "Upload body unreadable", "error", err)
		h.writeError(w, http.StatusBadRequest, "Invalid upload: "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
