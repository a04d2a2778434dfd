// Package sandbox implements the bridged render backend. The actual engine
// runs in an isolated process reachable only through the agent socket; this
// package owns the async request/response bridge: correlation IDs, bounded
// waits, and error propagation. The engine itself is a black box.
package sandbox

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/meshforge/meshforge/internal/backend"
	"github.com/meshforge/meshforge/internal/model"
)

// Name is the backend name used in selection policy and results.
const Name = model.BackendSandbox

// connectTimeout bounds the initial bridge dial during construction.
const connectTimeout = 5 * time.Second

// defaultRenderTimeout applies when neither the spec nor the context carries
// a deadline.
const defaultRenderTimeout = 30 * time.Second

// Backend implements backend.Backend by delegating to the correlator over a
// persistent bridge connection to the sandbox agent.
type Backend struct {
	socketPath string
	logger     *slog.Logger
	bridge     *Bridge
	correlator *Correlator
	available  bool
}

// New dials the sandbox agent at socketPath and wires the bridge to a
// correlator. Dial failure does not error out: the backend is constructed
// unavailable so the orchestrator can record it and select another backend.
func New(socketPath string, maxPayload int, logger *slog.Logger) *Backend {
	b := &Backend{
		socketPath: socketPath,
		logger:     logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	bridge, err := DialBridge(ctx, socketPath, logger)
	if err != nil {
		logger.Warn("sandbox agent unreachable", "socket", socketPath, "error", err)
		return b
	}

	b.bridge = bridge
	b.correlator = NewCorrelator(bridge, maxPayload, logger)
	bridge.Start(b.correlator)
	b.available = true
	return b
}

// Render submits the job across the boundary and awaits the correlated
// response within the job's deadline.
func (b *Backend) Render(ctx context.Context, spec backend.RenderSpec) (backend.RenderResult, error) {
	if !b.available {
		return backend.RenderResult{}, &backend.UnavailableError{Name: Name}
	}

	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); timeout <= 0 || until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}

	start := time.Now()
	h, err := b.correlator.Submit(spec.Source, RequestOptions{
		TimeoutMS:    int(timeout.Milliseconds()),
		OutputFormat: spec.OutputFormat,
	})
	if err != nil {
		return backend.RenderResult{}, err
	}

	artifact, err := b.correlator.Await(ctx, h, timeout)
	bridgeRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return backend.RenderResult{}, err
	}

	return backend.RenderResult{
		Artifact:   artifact,
		DurationMS: int(time.Since(start).Milliseconds()),
	}, nil
}

// Describe reports identity and availability. When the bridge has gone down,
// a cheap re-probe of the socket path keeps the descriptor honest without
// redialing on every call.
func (b *Backend) Describe() backend.Descriptor {
	available := b.available
	if available {
		select {
		case <-b.bridge.closed:
			available = false
		default:
		}
	} else if path, _, perr := splitBridgeAddr(b.socketPath); perr == nil {
		if _, err := os.Stat(path); err == nil {
			// Socket appeared since construction; a restart would pick it up.
			b.logger.Debug("sandbox socket present but bridge not connected", "socket", b.socketPath)
		}
	}

	return backend.Descriptor{
		Name:      Name,
		Kind:      model.KindSandboxed,
		Available: available,
		Priority:  0,
	}
}

// PendingCount exposes the correlator's in-flight table size.
func (b *Backend) PendingCount() int {
	if b.correlator == nil {
		return 0
	}
	return b.correlator.PendingCount()
}

// Close tears down the bridge connection.
func (b *Backend) Close() error {
	if b.bridge == nil {
		return nil
	}
	return b.bridge.Close()
}
