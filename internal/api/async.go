package api

import (
	"net/http"
)

func (s *Server) handleAsyncRender(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.Submit(r.Context(), j); err != nil {
		s.logger.Error("submit async render", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit render job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}
