// Package engine provides asynchronous render job execution. It drives the
// job lifecycle through the orchestrator, enforces the legal status
// transitions against the store, and publishes status events for realtime
// subscribers.
package engine
