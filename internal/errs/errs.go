// Package errs defines the structured error kinds shared across the
// ingestion, queue, and orchestrator layers so that classification never
// happens by matching on err.Error() strings.
package errs

import "fmt"

// Kind identifies the category of failure. Callers branch on Kind, never
// on the message text.
type Kind string

const (
	Unauthorized        Kind = "unauthorized"
	Malformed           Kind = "malformed"
	Unsupported         Kind = "unsupported"
	QueueWriteFailed    Kind = "queue_write_failed"
	WorktreeCreateFailed Kind = "worktree_create_failed"
	SnapshotFailed      Kind = "snapshot_failed"
	AgentSpawnFailed    Kind = "agent_spawn_failed"
	AgentCrashed        Kind = "agent_crashed"
	AgentTimeout        Kind = "agent_timeout"
	AgentOutputOverflow Kind = "agent_output_overflow"
	ValidationFailed    Kind = "validation_failed"
	ProjectionFailed    Kind = "projection_failed"
	Internal            Kind = "internal"
)

// Error is the structured error every phase of the orchestrator and queue
// reports, carrying enough information for the caller to decide whether to
// retry (spec §7 propagation policy).
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a structured error with an explicit retry disposition.
func New(kind Kind, retryable bool, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable}
}

// Wrap attaches a structured Kind to an underlying error.
func Wrap(kind Kind, retryable bool, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable, cause: cause}
}

// RetryableFor reports whether the given Kind is retryable on first
// occurrence, per spec §7 propagation policy. agent_timeout is retryable
// once: the worker pool records a timeout on a job that already has a
// failed attempt as fatal. Other retryable kinds are requeued until the
// queue's DefaultMaxAttempts is reached. Neither rule is applied by this
// function.
func RetryableFor(kind Kind) bool {
	switch kind {
	case WorktreeCreateFailed, AgentTimeout, QueueWriteFailed, ProjectionFailed:
		return true
	case ValidationFailed:
		// Never fatal: degrades into a preserved worktree instead.
		return false
	default:
		return false
	}
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e, true
	}
	return nil, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
