// Package backend defines the execution backend abstraction: a strategy that
// turns geometry source text into a binary mesh artifact. Concrete backends
// live in subpackages (local subprocess, sandboxed bridge).
package backend
