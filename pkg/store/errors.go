package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when a concurrent append raced for the
	// same per-aggregate sequence number. Callers retry with a fresh sequence.
	ErrVersionConflict = errors.New("version conflict on aggregate stream")

	// ErrDuplicateEvent is returned when an event with the same event_id was
	// already appended. Appends are not idempotent retries of old envelopes.
	ErrDuplicateEvent = errors.New("event already appended")

	// ErrAlreadyResolved is returned on a second resolution attempt for an
	// approval. Resolution happens exactly once.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrUnknownCausation is returned when an envelope references a causation
	// event that was never appended. The causation graph must stay a DAG over
	// persisted events.
	ErrUnknownCausation = errors.New("causation_id references unknown event")
)

// TransientError marks storage unavailability. Callers surface it as 503 and
// retry with backoff; it is never swallowed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
