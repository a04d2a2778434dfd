package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/meshforge/meshforge/internal/backend"
	"github.com/meshforge/meshforge/internal/model"
)

// maxErrorDetail bounds how much of the engine's error text is surfaced to
// callers. The full text stays in debug logs only.
const maxErrorDetail = 300

// Sender dispatches a request envelope across the sandbox boundary.
type Sender interface {
	Send(req RenderRequest) error
}

// outcome is the terminal result of one correlated request.
type outcome struct {
	artifact []byte
	err      error
}

// pendingRequest tracks one in-flight request. The channel is buffered so the
// resolving side never blocks on a caller that has already given up.
type pendingRequest struct {
	ch        chan outcome
	createdAt time.Time
}

// Handle is the awaitable side of a submitted request.
type Handle struct {
	ID        string
	submitted time.Time
	ch        chan outcome
}

// Correlator bridges asynchronous responses from the sandboxed engine back to
// the callers that issued the requests, matching purely by correlation ID.
// Responses may arrive in any order relative to submission; resolution is
// idempotent and stale responses are dropped.
type Correlator struct {
	sender     Sender
	maxPayload int
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates a correlator dispatching through sender. maxPayload
// is the source size ceiling in bytes; zero means the config default.
func NewCorrelator(sender Sender, maxPayload int, logger *slog.Logger) *Correlator {
	if maxPayload <= 0 {
		maxPayload = MaxFrameSize
	}
	return &Correlator{
		sender:     sender,
		maxPayload: maxPayload,
		logger:     logger,
		pending:    make(map[string]*pendingRequest),
	}
}

// Submit registers a fresh pending request and dispatches its envelope.
// The correlation ID is a new ULID; IDs are never reused, so a retry of a
// failed job always travels under a new token.
func (c *Correlator) Submit(source string, opts RequestOptions) (*Handle, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &backend.ValidationError{Reason: "empty source"}
	}
	if len(source) > c.maxPayload {
		return nil, &backend.ValidationError{Reason: "source exceeds size ceiling"}
	}

	id := model.NewID()
	p := &pendingRequest{
		ch:        make(chan outcome, 1),
		createdAt: time.Now(),
	}

	// Register before sending so a response cannot outrun its own entry.
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	pendingRequests.Inc()

	req := RenderRequest{
		ID:      id,
		Type:    TypeRenderRequest,
		Payload: source,
		Options: opts,
	}
	if err := c.sender.Send(req); err != nil {
		c.remove(id)
		return nil, &backend.TransportError{Err: err}
	}

	return &Handle{ID: id, submitted: p.createdAt, ch: p.ch}, nil
}

// Resolve fulfills the pending request matching resp.ID. Unknown IDs
// (already resolved, timed out, or never issued) are counted and dropped
// without touching any other entry.
func (c *Correlator) Resolve(resp RenderResponse) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		staleResponses.Inc()
		c.logger.Debug("dropping stale response", "request_id", resp.ID, "status", resp.Status)
		return
	}
	pendingRequests.Dec()

	p.ch <- c.decode(resp)
}

// decode turns a response envelope into a terminal outcome.
func (c *Correlator) decode(resp RenderResponse) outcome {
	if resp.Type == TypeRenderError || resp.Status == StatusError {
		c.logger.Debug("engine reported error", "request_id", resp.ID, "error_type", resp.ErrorType, "error", resp.Error)
		return outcome{err: &backend.ExecutionError{
			Backend: Name,
			Detail:  sanitizeDetail(resp),
		}}
	}

	artifact, err := resp.DecodePayload()
	if err != nil {
		return outcome{err: &backend.TransportError{Err: err}}
	}
	return outcome{artifact: artifact}
}

// Await blocks until Resolve fulfills the handle, the timeout elapses, or ctx
// is done. This is the single suspension point on the coordination path. On
// expiry the pending entry is removed; a response arriving later is dropped
// by Resolve as stale. The remote engine is not cancelled.
func (c *Correlator) Await(ctx context.Context, h *Handle, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-h.ch:
		return out.artifact, out.err
	case <-timer.C:
	case <-ctx.Done():
	}

	c.remove(h.ID)

	// Resolve may have won the race against expiry; prefer its result.
	select {
	case out := <-h.ch:
		return out.artifact, out.err
	default:
	}

	timeouts.Inc()
	return nil, &backend.TimeoutError{RequestID: h.ID, Elapsed: time.Since(h.submitted)}
}

// FailAll resolves every pending request with err. Called when the bridge
// connection drops so no caller is left waiting on a dead channel.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	dropped := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, p := range dropped {
		pendingRequests.Dec()
		c.logger.Warn("failing pending request", "request_id", id, "error", err)
		p.ch <- outcome{err: &backend.TransportError{Err: err}}
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// remove deletes a pending entry if still present.
func (c *Correlator) remove(id string) {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pendingRequests.Dec()
	}
}

// sanitizeDetail reduces an engine error to a single bounded line so internal
// diagnostics are not surfaced verbatim.
func sanitizeDetail(resp RenderResponse) string {
	detail := resp.Error
	if i := strings.IndexByte(detail, '\n'); i >= 0 {
		detail = detail[:i]
	}
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail] + "..."
	}
	if detail == "" {
		detail = "engine reported failure"
	}
	if resp.ErrorType != "" {
		return resp.ErrorType + ": " + detail
	}
	return detail
}
