package store

import (
	"context"
	"errors"

	"github.com/meshforge/meshforge/internal/model"
)

// ErrInvalidTransition is returned when a render job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RenderStats holds aggregate render statistics.
type RenderStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByBackend map[string]int `json:"count_by_backend"`
	CacheHits      int            `json:"cache_hits"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for render jobs.
type Store interface {
	CreateRenderJob(ctx context.Context, j *model.RenderJob) error
	GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error)
	ListRenderJobs(ctx context.Context, limit, offset int) ([]*model.RenderJob, int, error)
	UpdateRenderJobStatus(ctx context.Context, id, status string) error
	UpdateRenderJob(ctx context.Context, j *model.RenderJob) error
	GetRenderStats(ctx context.Context) (*RenderStats, error)
	Close() error
}
