// Package local implements the subprocess render backend: the renderer
// binary runs directly on the host, taking geometry source on stdin and
// writing the binary artifact to stdout.
package local

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/meshforge/meshforge/internal/backend"
	"github.com/meshforge/meshforge/internal/model"
)

// Name is the backend name used in selection policy and results.
const Name = model.BackendLocal

// maxStderr bounds how much renderer stderr is kept in debug logs.
const maxStderr = 4 << 10

// Backend implements backend.Backend by invoking the renderer binary as a
// subprocess per job.
type Backend struct {
	bin    string
	logger *slog.Logger

	mu        sync.Mutex
	binPath   string
	available bool
}

// New probes for the renderer binary on PATH. A missing binary does not
// error out; the backend is constructed unavailable so the orchestrator can
// record it and select another backend. Describe re-probes, so installing
// the binary later repairs availability without a restart.
func New(bin string, logger *slog.Logger) *Backend {
	b := &Backend{bin: bin, logger: logger}
	b.probe()
	return b
}

// probe looks the binary up on PATH and updates availability.
func (b *Backend) probe() bool {
	path, err := exec.LookPath(b.bin)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if b.available {
			b.logger.Warn("renderer binary disappeared", "bin", b.bin, "error", err)
		}
		b.available = false
		return false
	}
	b.binPath = path
	b.available = true
	return true
}

// Render runs the renderer subprocess with the job source on stdin. The
// context deadline kills the process; a non-zero exit is an ExecutionError
// carrying the first stderr line.
func (b *Backend) Render(ctx context.Context, spec backend.RenderSpec) (backend.RenderResult, error) {
	b.mu.Lock()
	available, binPath := b.available, b.binPath
	b.mu.Unlock()

	if !available {
		return backend.RenderResult{}, &backend.UnavailableError{Name: Name}
	}
	if strings.TrimSpace(spec.Source) == "" {
		return backend.RenderResult{}, &backend.ValidationError{Reason: "empty source"}
	}

	if spec.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, binPath, "--format", spec.OutputFormat)
	cmd.Stdin = strings.NewReader(spec.Source)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return backend.RenderResult{}, &backend.TimeoutError{
			RequestID: spec.JobID,
			Elapsed:   elapsed,
		}
	}
	if err != nil {
		detail := firstLine(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		b.logger.Debug("renderer failed", "job_id", spec.JobID, "error", err, "stderr", truncate(stderr.String(), maxStderr))
		return backend.RenderResult{}, &backend.ExecutionError{Backend: Name, Detail: detail}
	}

	return backend.RenderResult{
		Artifact:   stdout.Bytes(),
		DurationMS: int(elapsed.Milliseconds()),
	}, nil
}

// Describe reports identity and availability, re-probing PATH on each call.
func (b *Backend) Describe() backend.Descriptor {
	return backend.Descriptor{
		Name:      Name,
		Kind:      model.KindSubprocess,
		Available: b.probe(),
		Priority:  1,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
