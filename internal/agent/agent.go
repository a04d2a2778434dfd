// Package agent implements the render agent that runs beside the sandboxed
// geometry engine. It accepts bridge connections, reads render request
// envelopes, executes the engine binary, and writes response envelopes back.
// Requests on one connection run concurrently, so responses may arrive out of
// order; the correlation ID ties each response to its request.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/meshforge/meshforge/internal/backend/sandbox"
)

// defaultTimeout bounds engine execution when the request carries none.
const defaultTimeout = 30 * time.Second

// Agent serves render requests over a bridge listener.
type Agent struct {
	listener  net.Listener
	engineBin string
	logger    *slog.Logger
}

// New creates an agent that executes engineBin for each render request.
func New(listener net.Listener, engineBin string, logger *slog.Logger) *Agent {
	return &Agent{
		listener:  listener,
		engineBin: engineBin,
		logger:    logger,
	}
}

// Serve accepts connections and handles render requests. It blocks until the
// listener is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

// handleConn reads request frames from one bridge connection until it closes.
// Each request renders in its own goroutine; the write mutex serializes
// response frames on the shared connection.
func (a *Agent) handleConn(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req sandbox.RenderRequest
		if err := sandbox.ReadFrame(conn, &req); err != nil {
			a.logger.Debug("bridge connection closed", "error", err)
			return
		}
		if req.Type != sandbox.TypeRenderRequest {
			a.logger.Warn("skipping unexpected frame type", "type", req.Type)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := a.render(&req)
			writeMu.Lock()
			err := sandbox.WriteFrame(conn, &resp)
			writeMu.Unlock()
			if err != nil {
				a.logger.Error("write response", "request_id", req.ID, "error", err)
			}
		}()
	}
}

// render executes the engine binary for one request and builds the response
// envelope.
func (a *Agent) render(req *sandbox.RenderRequest) sandbox.RenderResponse {
	if strings.TrimSpace(req.Payload) == "" {
		return errorResponse(req.ID, "empty source payload", "validation")
	}

	timeout := defaultTimeout
	if req.Options.TimeoutMS > 0 {
		timeout = time.Duration(req.Options.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	format := req.Options.OutputFormat
	if format == "" {
		format = "glb"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.engineBin, "--format", format)
	cmd.Stdin = strings.NewReader(req.Payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	a.logger.Info("render finished",
		"request_id", req.ID,
		"format", format,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResponse(req.ID, fmt.Sprintf("engine timed out after %s", timeout), "timeout")
		}
		detail := firstLine(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return errorResponse(req.ID, detail, "execution")
	}

	if stdout.Len() == 0 {
		return errorResponse(req.ID, "engine produced no output", "execution")
	}

	resp := sandbox.RenderResponse{
		ID:     req.ID,
		Type:   sandbox.TypeRenderResponse,
		Status: sandbox.StatusSuccess,
	}
	resp.EncodePayload(stdout.Bytes())
	return resp
}

func errorResponse(id, detail, errType string) sandbox.RenderResponse {
	return sandbox.RenderResponse{
		ID:        id,
		Type:      sandbox.TypeRenderError,
		Status:    sandbox.StatusError,
		Error:     detail,
		ErrorType: errType,
	}
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
