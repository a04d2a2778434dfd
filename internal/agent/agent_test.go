package agent

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshforge/meshforge/internal/backend/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// installEngine writes a fake engine script into a temp dir and returns its path.
func installEngine(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshforge-render")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write engine script: %v", err)
	}
	return path
}

// renderOverPipe sends render requests over a pipe to a handled connection
// and returns the responses in arrival order.
func renderOverPipe(t *testing.T, engineBin string, reqs ...sandbox.RenderRequest) []sandbox.RenderResponse {
	t.Helper()
	server, client := net.Pipe()

	a := New(nil, engineBin, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.handleConn(server)
	}()

	go func() {
		for i := range reqs {
			if err := sandbox.WriteFrame(client, &reqs[i]); err != nil {
				t.Errorf("write request: %v", err)
				return
			}
		}
	}()

	resps := make([]sandbox.RenderResponse, 0, len(reqs))
	for range reqs {
		var resp sandbox.RenderResponse
		if err := sandbox.ReadFrame(client, &resp); err != nil {
			t.Fatalf("read response: %v", err)
		}
		resps = append(resps, resp)
	}

	client.Close()
	<-done
	return resps
}

func makeRequest(id, source string) sandbox.RenderRequest {
	return sandbox.RenderRequest{
		ID:      id,
		Type:    sandbox.TypeRenderRequest,
		Payload: source,
		Options: sandbox.RequestOptions{TimeoutMS: 5000, OutputFormat: "glb"},
	}
}

func TestRenderSuccess(t *testing.T) {
	bin := installEngine(t, `cat > /dev/null; printf MESHBYTES`)

	resps := renderOverPipe(t, bin, makeRequest("req-1", "box(1,1,1)"))
	resp := resps[0]

	if resp.ID != "req-1" {
		t.Errorf("ID = %q, want req-1", resp.ID)
	}
	if resp.Type != sandbox.TypeRenderResponse || resp.Status != sandbox.StatusSuccess {
		t.Fatalf("type/status = %q/%q, want render_response/success; error: %s", resp.Type, resp.Status, resp.Error)
	}

	data, err := resp.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if string(data) != "MESHBYTES" {
		t.Errorf("payload = %q, want MESHBYTES", data)
	}
	if resp.PayloadSize != len("MESHBYTES") {
		t.Errorf("PayloadSize = %d, want %d", resp.PayloadSize, len("MESHBYTES"))
	}
}

func TestRenderReceivesSourceAndFormat(t *testing.T) {
	// Echo stdin and the format flag back as the artifact.
	bin := installEngine(t, `src=$(cat); printf '%s|%s' "$2" "$src"`)

	resps := renderOverPipe(t, bin, sandbox.RenderRequest{
		ID:      "req-1",
		Type:    sandbox.TypeRenderRequest,
		Payload: "sphere(2)",
		Options: sandbox.RequestOptions{TimeoutMS: 5000, OutputFormat: "stl"},
	})

	data, err := resps[0].DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if string(data) != "stl|sphere(2)" {
		t.Errorf("payload = %q, want stl|sphere(2)", data)
	}
}

func TestRenderEngineFailure(t *testing.T) {
	bin := installEngine(t, `cat > /dev/null; echo "parse error: unknown primitive" >&2; exit 3`)

	resps := renderOverPipe(t, bin, makeRequest("req-1", "frob(1)"))
	resp := resps[0]

	if resp.Type != sandbox.TypeRenderError || resp.Status != sandbox.StatusError {
		t.Fatalf("type/status = %q/%q, want render_error/error", resp.Type, resp.Status)
	}
	if resp.Error != "parse error: unknown primitive" {
		t.Errorf("error = %q, want first stderr line", resp.Error)
	}
	if resp.ErrorType != "execution" {
		t.Errorf("error_type = %q, want execution", resp.ErrorType)
	}
}

func TestRenderTimeout(t *testing.T) {
	bin := installEngine(t, `sleep 5`)

	req := makeRequest("req-1", "box(1,1,1)")
	req.Options.TimeoutMS = 100

	resps := renderOverPipe(t, bin, req)
	resp := resps[0]

	if resp.Type != sandbox.TypeRenderError {
		t.Fatalf("type = %q, want render_error", resp.Type)
	}
	if resp.ErrorType != "timeout" {
		t.Errorf("error_type = %q, want timeout", resp.ErrorType)
	}
}

func TestRenderEmptySource(t *testing.T) {
	bin := installEngine(t, `printf MESHBYTES`)

	resps := renderOverPipe(t, bin, makeRequest("req-1", "   "))
	resp := resps[0]

	if resp.Type != sandbox.TypeRenderError {
		t.Fatalf("type = %q, want render_error", resp.Type)
	}
	if resp.ErrorType != "validation" {
		t.Errorf("error_type = %q, want validation", resp.ErrorType)
	}
}

func TestRenderEmptyEngineOutput(t *testing.T) {
	bin := installEngine(t, `cat > /dev/null`)

	resps := renderOverPipe(t, bin, makeRequest("req-1", "box(1,1,1)"))
	resp := resps[0]

	if resp.Type != sandbox.TypeRenderError {
		t.Fatalf("type = %q, want render_error", resp.Type)
	}
	if !strings.Contains(resp.Error, "no output") {
		t.Errorf("error = %q, want no-output cause", resp.Error)
	}
}

func TestConcurrentRequestsResolveOutOfOrder(t *testing.T) {
	// Sleep proportional to the source so the first request finishes last.
	bin := installEngine(t, `src=$(cat); sleep "$src"; printf 'slept %s' "$src"`)

	slow := sandbox.RenderRequest{
		ID:      "slow",
		Type:    sandbox.TypeRenderRequest,
		Payload: "0.3",
		Options: sandbox.RequestOptions{TimeoutMS: 5000},
	}
	fast := sandbox.RenderRequest{
		ID:      "fast",
		Type:    sandbox.TypeRenderRequest,
		Payload: "0",
		Options: sandbox.RequestOptions{TimeoutMS: 5000},
	}

	resps := renderOverPipe(t, bin, slow, fast)

	if resps[0].ID != "fast" {
		t.Errorf("first response ID = %q, want the fast request", resps[0].ID)
	}
	if resps[1].ID != "slow" {
		t.Errorf("second response ID = %q, want the slow request", resps[1].ID)
	}
	for _, resp := range resps {
		if resp.Status != sandbox.StatusSuccess {
			t.Errorf("response %s status = %q, error: %s", resp.ID, resp.Status, resp.Error)
		}
	}
}

func TestServeOverUnixSocket(t *testing.T) {
	bin := installEngine(t, `cat > /dev/null; printf MESHBYTES`)

	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	a := New(l, bin, testLogger())
	serveDone := make(chan error, 1)
	go func() { serveDone <- a.Serve() }()

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := makeRequest("req-1", "box(1,1,1)")
	if err := sandbox.WriteFrame(conn, &req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var resp sandbox.RenderResponse
	if err := sandbox.ReadFrame(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status != sandbox.StatusSuccess {
		t.Errorf("status = %q, error: %s", resp.Status, resp.Error)
	}

	l.Close()
	if err := <-serveDone; err != nil {
		t.Errorf("Serve returned %v after listener close, want nil", err)
	}
}

func TestSkipsUnknownFrameTypes(t *testing.T) {
	bin := installEngine(t, `cat > /dev/null; printf MESHBYTES`)

	server, client := net.Pipe()
	a := New(nil, bin, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.handleConn(server)
	}()

	go func() {
		unknown := sandbox.RenderRequest{ID: "x", Type: "ping"}
		real := makeRequest("req-1", "box(1,1,1)")
		if err := sandbox.WriteFrame(client, &unknown); err != nil {
			t.Errorf("write unknown frame: %v", err)
			return
		}
		if err := sandbox.WriteFrame(client, &real); err != nil {
			t.Errorf("write request: %v", err)
		}
	}()

	// Only the real request produces a response; the unknown frame is skipped.
	var resp sandbox.RenderResponse
	if err := sandbox.ReadFrame(client, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.ID != "req-1" || resp.Status != sandbox.StatusSuccess {
		t.Errorf("response = %s/%s, want req-1/success", resp.ID, resp.Status)
	}

	client.Close()
	<-done
}
