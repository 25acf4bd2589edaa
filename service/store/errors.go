package store

import "errors"

// Common, reusable store errors.  Using sentinel variables allows callers to
// reliably detect error conditions via errors.Is/As instead of brittle string
// comparisons.

var (
	// ErrNotFound is returned when the requested process or step does not
	// exist in the underlying storage.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned on commit when a concurrent transaction has
	// already advanced the same process past the version read at transaction
	// start. The caller lost the optimistic-concurrency race and must discard
	// its writes; this is a benign duplicate, not a fatal error.
	ErrConflict = errors.New("store: conflict")

	// ErrInvalidID indicates that the supplied ID/key is empty or otherwise
	// invalid.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrNilEntity is returned when the caller attempts to persist a nil
	// pointer.
	ErrNilEntity = errors.New("store: nil entity")

	// ErrTxDone is returned when a transaction is used after Commit or
	// Rollback.
	ErrTxDone = errors.New("store: transaction already finished")
)
