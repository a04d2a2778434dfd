package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meshforge/meshforge/internal/engine"
	"github.com/meshforge/meshforge/internal/model"
	"github.com/meshforge/meshforge/internal/store"
)

func terminalStatus(status string) bool {
	switch status {
	case model.StatusCompleted, model.StatusFailed, model.StatusAbandoned:
		return true
	}
	return false
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetRenderJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "render job not found")
		return
	}
	if err != nil {
		s.logger.Error("get render job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get render job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Already terminal: emit the final status once and end the stream.
	if terminalStatus(j.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEStatus(w, engine.StatusEvent{
			JobID:     j.ID,
			Status:    j.Status,
			Backend:   j.Backend,
			CacheHit:  j.CacheHit,
			Error:     j.Error,
			Timestamp: time.Now().UTC(),
		})
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe to the event stream. This is safe even if the job finished
	// between the status check above and this call; Subscribe on a closed topic
	// returns a closed channel, causing the loop below to exit immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Job finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEStatus(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEStatus writes a status event as a JSON-encoded SSE data event.
func writeSSEStatus(w http.ResponseWriter, ev engine.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
