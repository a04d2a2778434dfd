// Package orchestrator selects which backend executes a render job, applies
// the single-fallback policy on failure, and memoizes successful artifacts in
// the content-addressed cache.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/meshforge/meshforge/internal/backend"
	"github.com/meshforge/meshforge/internal/cache"
	"github.com/meshforge/meshforge/internal/config"
	"github.com/meshforge/meshforge/internal/model"
)

// Outcome is the result of a successful orchestrated render.
type Outcome struct {
	Artifact []byte
	Backend  string // backend that produced the artifact, empty on a cache hit
	CacheHit bool
}

// Orchestrator owns the backend selection state. Candidates that failed to
// construct arrive here as unavailable descriptors; only total unavailability
// is fatal.
type Orchestrator struct {
	policy    *config.Policy
	cache     *cache.Cache
	logger    *slog.Logger
	backends  []backend.Backend // priority order
	byName    map[string]backend.Backend
	maxSource int
}

// New creates an orchestrator over the given candidate backends. Candidates
// are ordered by descriptor priority. Returns UnavailableError when no
// candidate is available at all.
func New(policy *config.Policy, c *cache.Cache, logger *slog.Logger, candidates ...backend.Backend) (*Orchestrator, error) {
	o := &Orchestrator{
		policy:    policy,
		cache:     c,
		logger:    logger,
		backends:  append([]backend.Backend(nil), candidates...),
		byName:    make(map[string]backend.Backend, len(candidates)),
		maxSource: config.DefaultMaxSourceBytes,
	}

	sort.SliceStable(o.backends, func(i, j int) bool {
		return o.backends[i].Describe().Priority < o.backends[j].Describe().Priority
	})

	anyAvailable := false
	for _, b := range o.backends {
		d := b.Describe()
		o.byName[d.Name] = b
		if d.Available {
			anyAvailable = true
		} else {
			logger.Warn("backend unavailable at startup", "backend", d.Name, "kind", d.Kind)
		}
	}
	if !anyAvailable {
		return nil, &backend.UnavailableError{}
	}

	return o, nil
}

// Descriptors lists every candidate backend in priority order.
func (o *Orchestrator) Descriptors() []backend.Descriptor {
	out := make([]backend.Descriptor, 0, len(o.backends))
	for _, b := range o.backends {
		out = append(out, b.Describe())
	}
	return out
}

// Render executes the job: cache lookup first, then backend selection with
// one fallback attempt per policy. The declared timeout bounds the whole
// attempt chain; Render never waits past it.
func (o *Orchestrator) Render(ctx context.Context, job *model.RenderJob) (Outcome, error) {
	if strings.TrimSpace(job.Source) == "" {
		return Outcome{}, &backend.ValidationError{Reason: "empty source"}
	}
	if len(job.Source) > o.maxSource {
		return Outcome{}, &backend.ValidationError{Reason: "source exceeds size ceiling"}
	}

	timeout := o.policy.Timeout()
	if job.TimeoutMS != nil && *job.TimeoutMS > 0 {
		timeout = time.Duration(*job.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := cache.Key(job.Source, map[string]string{"format": job.OutputFormat})

	var usedBackend string
	computed := false
	artifact, err := o.cache.GetOrCompute(key, func() ([]byte, error) {
		computed = true
		data, name, execErr := o.execute(ctx, job, timeout)
		usedBackend = name
		return data, execErr
	})

	if err != nil {
		if job.ForceBackend == "" && o.policy.PlaceholderOnFailure() && placeholderEligible(err) {
			o.logger.Warn("all backends failed, substituting placeholder artifact",
				"job_id", job.ID, "error", err)
			return Outcome{Artifact: Placeholder(job.OutputFormat)}, nil
		}
		return Outcome{}, err
	}

	return Outcome{
		Artifact: artifact,
		Backend:  usedBackend,
		CacheHit: !computed,
	}, nil
}

// execute runs the selection and fallback chain without consulting the cache.
func (o *Orchestrator) execute(ctx context.Context, job *model.RenderJob, timeout time.Duration) ([]byte, string, error) {
	spec := backend.RenderSpec{
		JobID:        job.ID,
		Source:       job.Source,
		OutputFormat: job.OutputFormat,
		TimeoutMS:    int(timeout.Milliseconds()),
	}

	forced := o.forcedBackend(job)
	if forced != "" {
		b, ok := o.byName[forced]
		if !ok {
			return nil, "", &backend.UnavailableError{Name: forced}
		}
		// An explicit override bypasses fallback entirely: the caller asked
		// for exactly this backend, so its failure surfaces as-is.
		data, err := o.attempt(ctx, b, spec)
		return data, forced, err
	}

	primary := o.selectPrimary()
	if primary == nil {
		return nil, "", &backend.UnavailableError{}
	}
	primaryName := primary.Describe().Name

	data, primaryErr := o.attempt(ctx, primary, spec)
	if primaryErr == nil {
		return data, primaryName, nil
	}

	// Validation failures are the caller's problem; no backend will do better.
	var validationErr *backend.ValidationError
	if errors.As(primaryErr, &validationErr) {
		return nil, primaryName, primaryErr
	}

	if !o.policy.FallbackEnabled() {
		return nil, primaryName, primaryErr
	}

	fb := o.selectFallback(primary)
	if fb == nil {
		return nil, primaryName, &backend.AggregateError{Attempts: []backend.Attempt{
			{Backend: primaryName, Err: primaryErr},
		}}
	}
	fbName := fb.Describe().Name

	o.logger.Info("primary backend failed, trying fallback",
		"job_id", job.ID, "primary", primaryName, "fallback", fbName, "error", primaryErr)
	fallbacksTotal.Inc()

	data, fbErr := o.attempt(ctx, fb, spec)
	if fbErr == nil {
		return data, fbName, nil
	}

	return nil, fbName, &backend.AggregateError{Attempts: []backend.Attempt{
		{Backend: primaryName, Err: primaryErr},
		{Backend: fbName, Err: fbErr},
	}}
}

// attempt invokes one backend and records metrics for the attempt.
func (o *Orchestrator) attempt(ctx context.Context, b backend.Backend, spec backend.RenderSpec) ([]byte, error) {
	name := b.Describe().Name
	start := time.Now()

	result, err := b.Render(ctx, spec)
	renderDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		rendersTotal.WithLabelValues(name, "failed").Inc()
		return nil, err
	}
	if len(result.Artifact) == 0 {
		// A backend claiming success with no artifact is malformed output.
		rendersTotal.WithLabelValues(name, "failed").Inc()
		return nil, &backend.ExecutionError{Backend: name, Detail: "backend returned empty artifact"}
	}

	rendersTotal.WithLabelValues(name, "completed").Inc()
	return result.Artifact, nil
}

// forcedBackend returns the override name, per-job first, else the global
// force-local knob. Empty means no override.
func (o *Orchestrator) forcedBackend(job *model.RenderJob) string {
	if job.ForceBackend != "" {
		return job.ForceBackend
	}
	if o.policy.ForceLocal() {
		return model.BackendLocal
	}
	return ""
}

// selectPrimary picks the active backend: the configured preference when one
// is named, else the first currently-available backend by priority.
func (o *Orchestrator) selectPrimary() backend.Backend {
	preferred := o.policy.Preferred()
	if preferred != "" && preferred != model.BackendAuto {
		if b, ok := o.byName[preferred]; ok {
			return b
		}
	}
	for _, b := range o.backends {
		if b.Describe().Available {
			return b
		}
	}
	return nil
}

// selectFallback picks the first available backend that is not the primary.
// Same instance means no second invocation.
func (o *Orchestrator) selectFallback(primary backend.Backend) backend.Backend {
	for _, b := range o.backends {
		if b == primary {
			continue
		}
		if b.Describe().Available {
			return b
		}
	}
	return nil
}

// placeholderEligible reports whether the failure is the kind the placeholder
// policy may paper over. Validation failures are not: the job itself is bad.
func placeholderEligible(err error) bool {
	var validationErr *backend.ValidationError
	return !errors.As(err, &validationErr)
}

// Placeholder returns a minimal stand-in artifact for the given format, used
// only when the placeholder-on-failure policy is enabled.
func Placeholder(format string) []byte {
	switch format {
	case model.FormatSTL:
		return []byte("solid placeholder\nendsolid placeholder\n")
	default:
		// An empty glTF-flavored stub; viewers render nothing rather than
		// erroring out.
		return []byte(`{"asset":{"version":"2.0"},"scenes":[{"nodes":[]}],"scene":0}`)
	}
}
