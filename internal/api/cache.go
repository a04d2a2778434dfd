package api

import (
	"net/http"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Snapshot())
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	cleared := s.cache.Clear()
	s.logger.Info("cache cleared", "entries", cleared)
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}
