package backend

import "context"

// Backend is the interface all render backends implement. Each backend is a
// concrete execution strategy for the same job shape; the orchestrator treats
// them interchangeably.
type Backend interface {
	// Render executes the job described by spec and returns the binary
	// artifact. The context carries the job deadline; Render must not block
	// past it regardless of what the underlying engine does.
	Render(ctx context.Context, spec RenderSpec) (RenderResult, error)

	// Describe reports the backend's identity and current availability.
	// Availability is probed at construction and re-probed by Describe when
	// cheap to do so; it is not continuously polled.
	Describe() Descriptor
}

// RenderSpec describes one render request handed to a backend.
type RenderSpec struct {
	JobID        string `json:"job_id"`
	Source       string `json:"source"`
	OutputFormat string `json:"output_format"`
	TimeoutMS    int    `json:"timeout_ms"`
}

// RenderResult holds the artifact produced by a successful render.
type RenderResult struct {
	Artifact   []byte `json:"artifact"`
	DurationMS int    `json:"duration_ms"`
}

// Descriptor identifies a backend and its probed state.
type Descriptor struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // subprocess or sandboxed
	Available bool   `json:"available"`
	Priority  int    `json:"priority"` // lower wins when selection is auto
}
