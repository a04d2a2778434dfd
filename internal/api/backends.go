package api

import "net/http"

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	descriptors := s.engine.Orchestrator().Descriptors()
	s.writeJSON(w, http.StatusOK, descriptors)
}
