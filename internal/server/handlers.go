package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"broadlistening/internal/core"
	"broadlistening/internal/pipeline"
	"broadlistening/internal/workspace"

	"github.com/go-chi/chi/v5"
)

// maxSubmissionBytes bounds the request body of a report submission.
const maxSubmissionBytes = 64 << 20

// HealthResponse is the /health body
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// CreateReportResponse acknowledges a launched run
type CreateReportResponse struct {
	Slug   string            `json:"slug"`
	Status core.ReportStatus `json:"status"`
}

// handleHealth handles the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if s.deps.Reports != nil {
		if err := s.deps.Reports.Ping(r.Context()); err != nil {
			checks["database"] = "error"
			s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Checks: checks,
			})
			return
		}
		checks["database"] = "ok"
	}

	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Checks: checks,
	})
}

// handleListReports handles GET /admin/reports
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.deps.Reports.List(r.Context())
	if err != nil {
		s.log.Error("Failed to list reports", "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to load reports")
		return
	}
	if reports == nil {
		reports = []core.Report{}
	}
	s.respondJSON(w, http.StatusOK, reports)
}

// handleCreateReport handles POST /admin/reports
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var sub core.Submission
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSubmissionBytes)).Decode(&sub); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	sub.ApplyDefaults(s.deps.Defaults)
	if err := sub.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	err := s.deps.Runner.Launch(r.Context(), &sub, pipeline.Options{Force: force})
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.respondError(w, http.StatusConflict, fmt.Sprintf("Report %s is already running", sub.ID))
		return
	case err != nil:
		s.log.Error("Failed to launch report", "slug", sub.ID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to launch report")
		return
	}

	s.log.Info("Report launched", "slug", sub.ID, "comments", len(sub.Comments), "force", force)
	s.respondJSON(w, http.StatusAccepted, CreateReportResponse{Slug: sub.ID, Status: core.ReportProcessing})
}

// handleReportStatus handles GET /admin/reports/{slug}/status
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	st, err := s.deps.Runner.Status(slug)
	if err != nil {
		s.respondLookupError(w, slug, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// handleCancelReport handles POST /admin/reports/{slug}/cancel
func (s *Server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := s.deps.Runner.Cancel(slug); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			s.respondError(w, http.StatusConflict, fmt.Sprintf("Report %s is not running", slug))
			return
		}
		s.respondError(w, http.StatusInternalServerError, "Failed to cancel report")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"slug": slug, "status": "cancelling"})
}

// handleReportResult handles GET /admin/reports/{slug}/result
func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, workspace.ResultFile, "application/json", "")
}

// handleReportCSV handles GET /admin/reports/{slug}/csv
func (s *Server) handleReportCSV(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	s.serveArtifact(w, r, workspace.CommentsCSVFile, "text/csv; charset=utf-8", slug+".csv")
}

// handleReportHTML handles GET /admin/reports/{slug}/html
func (s *Server) handleReportHTML(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, workspace.ReportHTMLFile, "text/html; charset=utf-8", "")
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, name, contentType, attachment string) {
	slug := chi.URLParam(r, "slug")
	ws, err := workspace.Lookup(s.deps.ReportsDir, slug)
	if err != nil {
		s.respondLookupError(w, slug, err)
		return
	}
	data, err := ws.ReadBytes(name)
	if err != nil {
		s.respondLookupError(w, slug, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if attachment != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Warn("Failed to write artifact", "slug", slug, "artifact", name, "error", err)
	}
}

func (s *Server) respondLookupError(w http.ResponseWriter, slug string, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Report %s not found", slug))
	case errors.Is(err, workspace.ErrArtifactMissing):
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Report %s has not produced this output", slug))
	case core.ValidateSlug(slug) != nil:
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("Failed to read report", "slug", slug, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read report")
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("Failed to encode JSON response", "error", err)
	}
}

// respondError writes an error response in a consistent format
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{
		"error": map[string]any{
			"status":  status,
			"message": message,
		},
	})
}
