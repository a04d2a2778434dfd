package model

import "time"

// Render job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Backend kind constants.
const (
	KindSubprocess = "subprocess"
	KindSandboxed  = "sandboxed"
)

// Backend name constants. "auto" defers the choice to the orchestrator's
// priority order.
const (
	BackendLocal   = "local"
	BackendSandbox = "sandboxed"
	BackendAuto    = "auto"
)

// Output format constants for the rendered artifact.
const (
	FormatGLB  = "glb"
	FormatSTL  = "stl"
	FormatStep = "step"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusAbandoned: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusAbandoned: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// KnownFormat reports whether f is a supported output format.
func KnownFormat(f string) bool {
	switch f {
	case FormatGLB, FormatSTL, FormatStep:
		return true
	}
	return false
}

// KnownBackend reports whether name is a recognized backend selection value.
func KnownBackend(name string) bool {
	switch name {
	case BackendLocal, BackendSandbox, BackendAuto:
		return true
	}
	return false
}

// RenderJob represents one source-to-artifact computation submitted to the
// service. Source is the geometry script text; Output holds the binary
// artifact once the job completes.
type RenderJob struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Backend      string     `json:"backend,omitempty"`      // backend that produced the result
	ForceBackend string     `json:"force_backend,omitempty"` // explicit per-job override, bypasses fallback
	OutputFormat string     `json:"output_format"`
	Source       string     `json:"source,omitempty"`
	SourceHash   string     `json:"source_hash,omitempty"`
	Output       []byte     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	CacheHit     bool       `json:"cache_hit,omitempty"`
	TimeoutMS    *int       `json:"timeout_ms,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
