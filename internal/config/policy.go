package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/meshforge/meshforge/internal/model"
)

// InvalidBackendError is returned by policy setters when given a backend name
// outside the recognized selection values.
type InvalidBackendError struct {
	Name string
}

func (e *InvalidBackendError) Error() string {
	return fmt.Sprintf("invalid backend %q (expected %q, %q, or %q)",
		e.Name, model.BackendLocal, model.BackendSandbox, model.BackendAuto)
}

// Policy holds the runtime-mutable backend selection knobs. It is created
// once from Config at startup and passed explicitly into constructors;
// changes happen only through its setters, never through ambient globals.
type Policy struct {
	mu                   sync.RWMutex
	preferred            string
	forceLocal           bool
	fallbackEnabled      bool
	timeout              time.Duration
	placeholderOnFailure bool
}

// PolicySnapshot is a serializable view of the current policy for
// diagnostics and test assertions.
type PolicySnapshot struct {
	Preferred            string `json:"preferred"`
	ForceLocal           bool   `json:"force_local"`
	FallbackEnabled      bool   `json:"fallback_enabled"`
	TimeoutMS            int64  `json:"timeout_ms"`
	PlaceholderOnFailure bool   `json:"placeholder_on_failure"`
}

// NewPolicy derives a policy from the loaded configuration. An unrecognized
// backend preference falls back to auto rather than failing startup; setters
// are stricter because the caller named the backend explicitly.
func NewPolicy(cfg Config) *Policy {
	preferred := cfg.Backend
	if !model.KnownBackend(preferred) {
		preferred = model.BackendAuto
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Policy{
		preferred:            preferred,
		forceLocal:           cfg.ForceLocal,
		fallbackEnabled:      cfg.FallbackEnabled,
		timeout:              timeout,
		placeholderOnFailure: cfg.PlaceholderOnFailure,
	}
}

// SetPreferred changes the preferred backend. Returns InvalidBackendError for
// unrecognized names.
func (p *Policy) SetPreferred(name string) error {
	if !model.KnownBackend(name) {
		return &InvalidBackendError{Name: name}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preferred = name
	return nil
}

// Preferred returns the configured backend preference.
func (p *Policy) Preferred() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.preferred
}

// SetForceLocal toggles the global local-only override.
func (p *Policy) SetForceLocal(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceLocal = force
}

// ForceLocal reports whether every job is pinned to the local backend.
func (p *Policy) ForceLocal() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.forceLocal
}

// SetFallbackEnabled toggles the single-retry fallback behavior.
func (p *Policy) SetFallbackEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallbackEnabled = enabled
}

// FallbackEnabled reports whether a failed primary may be retried on a
// different backend.
func (p *Policy) FallbackEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fallbackEnabled
}

// SetTimeout changes the default per-job timeout. Non-positive durations are
// rejected.
func (p *Policy) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

// Timeout returns the default per-job timeout.
func (p *Policy) Timeout() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeout
}

// SetPlaceholderOnFailure toggles whether total backend failure yields a
// placeholder artifact instead of an error.
func (p *Policy) SetPlaceholderOnFailure(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeholderOnFailure = enabled
}

// PlaceholderOnFailure reports the placeholder-on-failure setting.
func (p *Policy) PlaceholderOnFailure() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.placeholderOnFailure
}

// Snapshot returns a copy of all current settings.
func (p *Policy) Snapshot() PolicySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PolicySnapshot{
		Preferred:            p.preferred,
		ForceLocal:           p.forceLocal,
		FallbackEnabled:      p.fallbackEnabled,
		TimeoutMS:            p.timeout.Milliseconds(),
		PlaceholderOnFailure: p.placeholderOnFailure,
	}
}
