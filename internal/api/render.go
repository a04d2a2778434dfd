package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meshforge/meshforge/internal/model"
	"github.com/meshforge/meshforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 2 << 20 // 2 MB
)

// createRenderRequest is the JSON body for POST /v1/renders and /v1/renders/async.
type createRenderRequest struct {
	Source       string `json:"source"`
	OutputFormat string `json:"output_format"`
	Backend      string `json:"backend"`
	TimeoutMS    *int   `json:"timeout_ms"`
}

// listRendersResponse wraps the paginated list response.
type listRendersResponse struct {
	Renders []*model.RenderJob `json:"renders"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// jobFromRequest validates the request body and builds a pending job from it.
// A non-nil error response has already been written when ok is false.
func (s *Server) jobFromRequest(w http.ResponseWriter, r *http.Request) (*model.RenderJob, bool) {
	var req createRenderRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}

	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return nil, false
	}

	format := req.OutputFormat
	if format == "" {
		format = model.FormatGLB
	}
	if !model.KnownFormat(format) {
		s.writeError(w, http.StatusBadRequest, "unknown output format: "+format)
		return nil, false
	}

	if req.Backend != "" && !model.KnownBackend(req.Backend) {
		s.writeError(w, http.StatusBadRequest, "unknown backend: "+req.Backend)
		return nil, false
	}
	if req.TimeoutMS != nil && *req.TimeoutMS <= 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must be positive")
		return nil, false
	}

	j := &model.RenderJob{
		ID:           model.NewID(),
		Status:       model.StatusPending,
		OutputFormat: format,
		Source:       req.Source,
		TimeoutMS:    req.TimeoutMS,
		CreatedAt:    time.Now().UTC(),
	}
	// "auto" is the default selection behavior, not an override.
	if req.Backend != "" && req.Backend != model.BackendAuto {
		j.ForceBackend = req.Backend
	}

	return j, true
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	finished, err := s.engine.RenderSync(r.Context(), j)
	if err != nil {
		s.logger.Error("sync render", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to execute render")
		return
	}

	s.writeJSON(w, http.StatusCreated, finished)
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetRenderJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "render job not found")
		return
	}
	if err != nil {
		s.logger.Error("get render job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get render job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

// artifactContentTypes maps output formats to their MIME types.
var artifactContentTypes = map[string]string{
	model.FormatGLB:  "model/gltf-binary",
	model.FormatSTL:  "model/stl",
	model.FormatStep: "application/step",
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetRenderJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "render job not found")
		return
	}
	if err != nil {
		s.logger.Error("get render job for artifact", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get render job")
		return
	}

	if j.Status != model.StatusCompleted || len(j.Output) == 0 {
		s.writeError(w, http.StatusConflict, "render job has no artifact")
		return
	}

	contentType := artifactContentTypes[j.OutputFormat]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+j.ID+"."+j.OutputFormat+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(j.Output)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(j.Output); err != nil {
		s.logger.Error("write artifact", "job_id", j.ID, "error", err)
	}
}

func (s *Server) handleListRenders(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	renders, total, err := s.store.ListRenderJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list render jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list render jobs")
		return
	}

	if renders == nil {
		renders = []*model.RenderJob{}
	}

	s.writeJSON(w, http.StatusOK, listRendersResponse{
		Renders: renders,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleAbandonRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Abandon(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "render job not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			s.writeError(w, http.StatusConflict, "render job already finished")
			return
		}
		s.logger.Error("abandon render job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to abandon render job")
		return
	}

	j, err := s.store.GetRenderJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get abandoned render job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve render job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
