package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meshforge/meshforge/internal/engine"
	"github.com/meshforge/meshforge/internal/model"
)

func seedPendingJob(t *testing.T, srv *Server) *model.RenderJob {
	t.Helper()
	j := &model.RenderJob{
		ID:           model.NewID(),
		Status:       model.StatusPending,
		OutputFormat: model.FormatGLB,
		Source:       "box(1,1,1)",
		CreatedAt:    time.Now().UTC(),
	}
	if err := srv.store.CreateRenderJob(context.Background(), j); err != nil {
		t.Fatalf("CreateRenderJob: %v", err)
	}
	return j
}

// readSSEStatuses collects the JSON payloads of "data:" lines from an SSE body.
func readSSEStatuses(t *testing.T, body *bufio.Scanner) []engine.StatusEvent {
	t.Helper()
	var events []engine.StatusEvent
	for body.Scan() {
		line := body.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if !strings.HasPrefix(data, "{") {
			continue // "done" event payload is plain text
		}
		var ev engine.StatusEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("unmarshal event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/renders/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)"}`)
	var created model.RenderJob
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	eventsResp, err := http.Get(ts.URL + "/v1/renders/" + created.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer eventsResp.Body.Close()

	if eventsResp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", eventsResp.StatusCode)
	}
	if ct := eventsResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readSSEStatuses(t, bufio.NewScanner(eventsResp.Body))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if events[0].Status != model.StatusCompleted {
		t.Errorf("event status = %q, want completed", events[0].Status)
	}
}

func TestStreamEventsReceivesStatusUpdates(t *testing.T) {
	srv := newTestServer(t)
	j := seedPendingJob(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/renders/"+j.ID+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Publish status changes and close the stream.
	broker := srv.engine.Broker()
	broker.Publish(j.ID, engine.StatusEvent{JobID: j.ID, Status: model.StatusRunning, Timestamp: time.Now().UTC()})
	broker.Publish(j.ID, engine.StatusEvent{JobID: j.ID, Status: model.StatusCompleted, Backend: model.BackendLocal, Timestamp: time.Now().UTC()})
	broker.Close(j.ID)

	events := readSSEStatuses(t, bufio.NewScanner(resp.Body))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if events[0].Status != model.StatusRunning {
		t.Errorf("event[0] status = %q, want running", events[0].Status)
	}
	if events[1].Status != model.StatusCompleted || events[1].Backend != model.BackendLocal {
		t.Errorf("event[1] = %+v, want completed on local", events[1])
	}
}
