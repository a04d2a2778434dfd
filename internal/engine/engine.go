package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshforge/meshforge/internal/backend"
	"github.com/meshforge/meshforge/internal/cache"
	"github.com/meshforge/meshforge/internal/model"
	"github.com/meshforge/meshforge/internal/orchestrator"
	"github.com/meshforge/meshforge/internal/store"
)

// Engine drives asynchronous render job execution.
type Engine struct {
	store  store.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	wg     sync.WaitGroup
	broker *EventBroker
}

// NewEngine creates a new render engine.
func NewEngine(s store.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		orch:   orch,
		logger: logger,
		broker: NewEventBroker(),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Orchestrator exposes the underlying orchestrator for render-path queries
// such as backend descriptors.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orch
}

// Submit creates a render job record and launches asynchronous execution in a
// goroutine. The job is stored with status "pending" before returning. The
// goroutine operates on a copy of the job to avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, j *model.RenderJob) error {
	if j.SourceHash == "" {
		j.SourceHash = cache.Key(j.Source, map[string]string{"format": j.OutputFormat})
	}

	if err := e.store.CreateRenderJob(ctx, j); err != nil {
		return fmt.Errorf("create render job: %w", err)
	}

	jCopy := *j
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(&jCopy)
	}()

	return nil
}

// RenderSync creates a render job record and executes it in the calling
// goroutine, returning the finished job. The caller's context bounds the
// whole execution.
func (e *Engine) RenderSync(ctx context.Context, j *model.RenderJob) (*model.RenderJob, error) {
	if j.SourceHash == "" {
		j.SourceHash = cache.Key(j.Source, map[string]string{"format": j.OutputFormat})
	}

	if err := e.store.CreateRenderJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create render job: %w", err)
	}

	if err := e.store.UpdateRenderJobStatus(ctx, j.ID, model.StatusRunning); err != nil {
		return nil, fmt.Errorf("start render job: %w", err)
	}

	start := time.Now().UTC()
	out, err := e.orch.Render(ctx, j)
	durationMS := int(time.Since(start).Milliseconds())
	now := time.Now().UTC()

	terminal := &model.RenderJob{
		ID:         j.ID,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if err != nil {
		terminal.Status = model.StatusFailed
		terminal.Error = err.Error()
		terminal.ErrorKind = backend.ErrorKind(err)
	} else {
		terminal.Status = model.StatusCompleted
		terminal.Backend = out.Backend
		terminal.Output = out.Artifact
		terminal.CacheHit = out.CacheHit
	}
	e.finish(terminal)
	e.broker.Close(j.ID)

	return e.store.GetRenderJob(ctx, j.ID)
}

// Abandon marks a pending or running job as abandoned. Any in-flight
// execution keeps running to completion, but its result is discarded.
func (e *Engine) Abandon(ctx context.Context, id string) error {
	if err := e.store.UpdateRenderJobStatus(ctx, id, model.StatusAbandoned); err != nil {
		return err
	}
	e.broker.Publish(id, StatusEvent{
		JobID:     id,
		Status:    model.StatusAbandoned,
		Timestamp: time.Now().UTC(),
	})
	e.broker.Close(id)
	return nil
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the job lifecycle in a goroutine: pending to running to a
// terminal status.
func (e *Engine) execute(j *model.RenderJob) {
	// Close the event stream when execution finishes, regardless of outcome.
	defer e.broker.Close(j.ID)

	if err := e.store.UpdateRenderJobStatus(context.Background(), j.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Abandoned before execution started.
			e.logger.Info("skipping abandoned job", "job_id", j.ID)
			return
		}
		e.logger.Error("failed to transition to running", "job_id", j.ID, "error", err)
		e.finish(&model.RenderJob{
			ID:        j.ID,
			Status:    model.StatusFailed,
			Error:     fmt.Sprintf("failed to start: %v", err),
			ErrorKind: "internal",
		})
		return
	}

	// Capture start time immediately after the running transition so that
	// started_at stays consistent across success and failure paths.
	start := time.Now().UTC()
	e.broker.Publish(j.ID, StatusEvent{
		JobID:     j.ID,
		Status:    model.StatusRunning,
		Timestamp: start,
	})

	out, err := e.orch.Render(context.Background(), j)
	durationMS := int(time.Since(start).Milliseconds())
	now := time.Now().UTC()

	if err != nil {
		e.finish(&model.RenderJob{
			ID:         j.ID,
			Status:     model.StatusFailed,
			Error:      err.Error(),
			ErrorKind:  backend.ErrorKind(err),
			DurationMS: &durationMS,
			StartedAt:  &start,
			FinishedAt: &now,
		})
		return
	}

	e.finish(&model.RenderJob{
		ID:         j.ID,
		Status:     model.StatusCompleted,
		Backend:    out.Backend,
		Output:     out.Artifact,
		CacheHit:   out.CacheHit,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	})
}

// finish moves the job to its terminal status and writes back the result
// fields. A job abandoned mid-run fails the transition check; its result is
// dropped rather than overwriting the abandoned status.
func (e *Engine) finish(j *model.RenderJob) {
	ctx := context.Background()

	if err := e.store.UpdateRenderJobStatus(ctx, j.ID, j.Status); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Info("dropping result for abandoned job", "job_id", j.ID, "status", j.Status)
			return
		}
		e.logger.Error("failed to finish job", "job_id", j.ID, "status", j.Status, "error", err)
		return
	}

	if err := e.store.UpdateRenderJob(ctx, j); err != nil {
		e.logger.Error("failed to write job result", "job_id", j.ID, "error", err)
	}

	e.broker.Publish(j.ID, StatusEvent{
		JobID:     j.ID,
		Status:    j.Status,
		Backend:   j.Backend,
		CacheHit:  j.CacheHit,
		Error:     j.Error,
		Timestamp: time.Now().UTC(),
	})
}
