package orchestrator

import "errors"

var (
	// ErrStaleStep signals a duplicate or late step completion. Callers treat
	// it as a benign no-op, not a failure.
	ErrStaleStep = errors.New("stale step completion")

	// ErrInvalidState signals an operation that is not valid in the process's
	// current state. No state is mutated.
	ErrInvalidState = errors.New("operation not valid in current process state")
)
