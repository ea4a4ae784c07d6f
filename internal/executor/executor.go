// Package executor defines the pluggable solver-process abstraction the
// supervisor drives during a run's execute phase (spec.md §4.5): start a
// child process (native or containerized), stream its combined stdout and
// stderr one line at a time, and terminate it with a grace window.
package executor

import (
	"context"
	"time"
)

// StartOpts parameterize a solver invocation.
type StartOpts struct {
	// WorkDir is the bundle's inputs/ directory; the solver is started with
	// this as its working directory.
	WorkDir string
	// Env carries the nuclear-data cross-sections index path and OpenMP
	// thread count, among any other inherited variables.
	Env []string
	// Args are appended to the configured solver binary/image entrypoint.
	Args []string
}

// Line is one line of output from the child, tagged by stream.
type Line struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// Process is a started solver invocation.
type Process interface {
	// Lines yields one Line per newline-terminated chunk of output, merged
	// from stdout and stderr, closed once both streams are drained.
	Lines() <-chan Line
	// Wait blocks until the process exits and returns its exit code, or an
	// error if it could not be waited on (e.g. already terminated).
	Wait() (exitCode int, err error)
	// Terminate sends a graceful stop signal, then forces termination after
	// grace elapses or ctx is cancelled.
	Terminate(ctx context.Context, grace time.Duration) error
}

// Executor starts a solver invocation against a backend (native process or
// Docker container).
type Executor interface {
	Start(ctx context.Context, opts StartOpts) (Process, error)
}
