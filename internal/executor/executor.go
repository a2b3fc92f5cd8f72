// Package executor defines the core contract between the execution-session
// layers: the request/result shapes the service exposes, the event stream an
// engine emits while running code, and the Engine/Launcher interfaces that
// concrete backends (local subprocess, docker container) implement.
package executor

import (
	"context"
	"time"
)

// Request represents one unit of work submitted to the dispatcher.
// It is transient and never persisted.
type Request struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
	// Files are storage references the caller wants staged into the
	// session's working directory before the code runs.
	Files []string `json:"files,omitempty"`
	// Timeout overrides the default per-call wall-clock limit, in seconds.
	// Zero means "use the configured default".
	Timeout int `json:"timeout,omitempty"`
}

// Result is the externally visible outcome of one execution call.
// Ordinary failures (user errors, timeouts) are encoded here, never returned
// as Go errors, so callers render them uniformly.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	// ErrorKind distinguishes a timeout from a code error so the chat layer
	// can word the two differently.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Result holds the repr of a trailing expression, if the code ended
	// with one (like a REPL would print).
	Result string `json:"result,omitempty"`
	// Plots lists artifact files written during the call, relative to the
	// session's working directory, most-recently-modified last.
	Plots []string `json:"plots"`
	// ExecutionTime is the wall-clock duration in seconds.
	ExecutionTime float64 `json:"execution_time"`
}

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	// ErrorKindRuntime means the user's code raised; the session's
	// interpreter state is still well-defined and the session is reusable.
	ErrorKindRuntime ErrorKind = "runtime_error"
	// ErrorKindTimeout means the call exceeded its deadline and the engine
	// was interrupted; output produced before the deadline is preserved.
	ErrorKindTimeout ErrorKind = "timeout"
)

// Engine is a long-lived interpreter process owned by exactly one session.
// Variables defined in one Execute call are visible in the next, until the
// engine is closed. Implementations are not safe for concurrent Execute
// calls; the session layer serializes access.
type Engine interface {
	// Execute submits code and returns the ordered stream of events the
	// interpreter emits while running it. The channel is closed after the
	// terminal event (or when the engine dies). An error return means the
	// code was never submitted.
	Execute(ctx context.Context, code string) (<-chan Event, error)

	// Interrupt asks the interpreter to abort the in-flight call
	// (KeyboardInterrupt semantics). The interpreter reports the
	// interruption through the event stream if it cooperates.
	Interrupt(ctx context.Context) error

	// Alive reports whether the underlying process is still usable.
	Alive() bool

	// Close tears the engine down and releases the underlying process.
	Close(ctx context.Context) error
}

// Launcher starts engines. The registry uses one launcher for all sessions.
type Launcher interface {
	Launch(ctx context.Context, workDir string) (Engine, error)
}

// DefaultTimeout is the per-call wall-clock limit applied when a request
// does not override it.
const DefaultTimeout = 60 * time.Second
