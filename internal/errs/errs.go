// Package errs implements the error taxonomy described in the failure
// model: each kind wraps an underlying error and carries the treatment the
// rest of the pipeline gives it (retry locally, retry once with a stricter
// directive, fail the task, or degrade to a partial result).
package errs

import "fmt"

// Kind is one of the taxonomy's error kinds.
type Kind string

const (
	// TransientExternal covers upstream 5xx, timeouts, connection resets.
	// Not retried locally: the worker attempt fails and the queue entry is
	// left unacknowledged.
	TransientExternal Kind = "transient_external"
	// ProtocolViolation covers invalid LLM JSON or malformed diff headers.
	// Retried once with a stricter prompt (LLM case); otherwise fatal.
	ProtocolViolation Kind = "protocol_violation"
	// ResourceExhaustion covers sandbox timeout, OOM, queue high-water
	// overflow. Fatal to the current task.
	ResourceExhaustion Kind = "resource_exhaustion"
	// AuthorizationFailure covers a missing/invalid provider token. Fatal,
	// no retry.
	AuthorizationFailure Kind = "authorization_failure"
	// IntegrityViolation covers a schema mismatch or position-mapping
	// failure for all comments. Non-fatal; unmapped comments roll into the
	// summary.
	IntegrityViolation Kind = "integrity_violation"
	// InternalInvariant covers impossible state transitions or duplicate
	// terminal calls. Logged at error level; the task is marked FAILED.
	InternalInvariant Kind = "internal_invariant"
)

// Error is a typed, wrapped error carrying its taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind and operation label.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if te, ok := err.(*Error); ok {
			e = te
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Retryable reports whether the taxonomy treats this Kind as locally
// retryable (transient network/upstream conditions only).
func Retryable(kind Kind) bool {
	return kind == TransientExternal
}

// Fatal reports whether the taxonomy treats this Kind as fatal to the
// current task (no further local retry makes sense).
func Fatal(kind Kind) bool {
	switch kind {
	case ResourceExhaustion, AuthorizationFailure, InternalInvariant:
		return true
	default:
		return false
	}
}
