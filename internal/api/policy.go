package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/meshforge/meshforge/internal/config"
)

// updatePolicyRequest is the JSON body for PATCH /v1/policy. Only the fields
// present in the body are applied.
type updatePolicyRequest struct {
	Preferred            *string `json:"preferred"`
	ForceLocal           *bool   `json:"force_local"`
	FallbackEnabled      *bool   `json:"fallback_enabled"`
	TimeoutMS            *int    `json:"timeout_ms"`
	PlaceholderOnFailure *bool   `json:"placeholder_on_failure"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.policy.Snapshot())
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req updatePolicyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Preferred != nil {
		if err := s.policy.SetPreferred(*req.Preferred); err != nil {
			var invalidErr *config.InvalidBackendError
			if errors.As(err, &invalidErr) {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Error("set preferred backend", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to update policy")
			return
		}
	}
	if req.TimeoutMS != nil {
		if err := s.policy.SetTimeout(time.Duration(*req.TimeoutMS) * time.Millisecond); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.ForceLocal != nil {
		s.policy.SetForceLocal(*req.ForceLocal)
	}
	if req.FallbackEnabled != nil {
		s.policy.SetFallbackEnabled(*req.FallbackEnabled)
	}
	if req.PlaceholderOnFailure != nil {
		s.policy.SetPlaceholderOnFailure(*req.PlaceholderOnFailure)
	}

	s.writeJSON(w, http.StatusOK, s.policy.Snapshot())
}
