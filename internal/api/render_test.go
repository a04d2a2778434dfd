package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meshforge/meshforge/internal/backend"
	"github.com/meshforge/meshforge/internal/model"
)

func postRender(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestCreateRenderSync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"source":"box(1,1,1)","output_format":"glb"}`
	resp := postRender(t, ts.URL+"/v1/renders", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}

	var j model.RenderJob
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(j.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(j.ID))
	}
	if j.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", j.Status)
	}
	if string(j.Output) != "MESHBYTES" {
		t.Errorf("Output = %q, want MESHBYTES", j.Output)
	}
	if j.Backend != model.BackendLocal {
		t.Errorf("Backend = %q, want local", j.Backend)
	}
	if j.SourceHash == "" {
		t.Error("SourceHash is empty")
	}
}

func TestCreateRenderSyncFailure(t *testing.T) {
	srv := newTestServerWith(t, &stubBackend{
		err: &backend.ExecutionError{Backend: model.BackendLocal, Detail: "unknown primitive"},
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"frob(1)"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}

	var j model.RenderJob
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if j.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", j.Status)
	}
	if j.Error == "" || j.ErrorKind == "" {
		t.Errorf("Error/ErrorKind empty: %q / %q", j.Error, j.ErrorKind)
	}
}

func TestCreateRenderMissingSource(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"output_format":"glb"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	var errResp map[string]string
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp["error"] == "" {
		t.Error("expected error message in response")
	}
}

func TestCreateRenderInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", "not json")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateRenderUnknownFormat(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)","output_format":"obj"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateRenderUnknownBackend(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)","backend":"quantum"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAsyncRenderLifecycle(t *testing.T) {
	srv := newTestServerWith(t, &stubBackend{delay: 20 * time.Millisecond, artifact: []byte("MESHBYTES")})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders/async", `{"source":"box(1,1,1)"}`)
	var created model.RenderJob
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if created.Status != model.StatusPending {
		t.Errorf("initial status = %q, want pending", created.Status)
	}

	completed := waitForJobStatus(t, ts.URL, created.ID, model.StatusCompleted)
	if string(completed.Output) != "MESHBYTES" {
		t.Errorf("Output = %q, want MESHBYTES", completed.Output)
	}
}

func TestGetRenderNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/renders/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRenders(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)"}`)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/renders?limit=2")
	if err != nil {
		t.Fatalf("GET /v1/renders: %v", err)
	}
	defer resp.Body.Close()

	var list listRendersResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("total = %d, want 3", list.Total)
	}
	if len(list.Renders) != 2 {
		t.Errorf("len(renders) = %d, want 2", len(list.Renders))
	}
	// List entries omit artifact bytes.
	for _, j := range list.Renders {
		if j.Output != nil {
			t.Errorf("list entry %s carries artifact bytes", j.ID)
		}
	}
}

func TestGetArtifact(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)","output_format":"stl"}`)
	var created model.RenderJob
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	artifactResp, err := http.Get(ts.URL + "/v1/renders/" + created.ID + "/artifact")
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer artifactResp.Body.Close()

	if artifactResp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", artifactResp.StatusCode)
	}
	if ct := artifactResp.Header.Get("Content-Type"); ct != "model/stl" {
		t.Errorf("Content-Type = %q, want model/stl", ct)
	}

	data, err := io.ReadAll(artifactResp.Body)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "MESHBYTES" {
		t.Errorf("artifact = %q, want MESHBYTES", data)
	}
}

func TestGetArtifactForFailedJob(t *testing.T) {
	srv := newTestServerWith(t, &stubBackend{
		err: &backend.ExecutionError{Backend: model.BackendLocal, Detail: "boom"},
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)"}`)
	var created model.RenderJob
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	artifactResp, err := http.Get(ts.URL + "/v1/renders/" + created.ID + "/artifact")
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer artifactResp.Body.Close()

	if artifactResp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", artifactResp.StatusCode)
	}
}

func TestAbandonPendingRender(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Seed a pending job directly; the engine never sees it.
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

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/renders/"+j.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var got model.RenderJob
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Status != model.StatusAbandoned {
		t.Errorf("status = %q, want abandoned", got.Status)
	}
}

func TestAbandonFinishedRenderConflicts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRender(t, ts.URL+"/v1/renders", `{"source":"box(1,1,1)"}`)
	var created model.RenderJob
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/renders/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer delResp.Body.Close()

	if delResp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", delResp.StatusCode)
	}
}

func TestAbandonMissingRender(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/renders/nonexistent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
