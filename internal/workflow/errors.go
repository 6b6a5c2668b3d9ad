// Package workflow provides a durable step executor: step results are
// checkpointed in SQLite keyed by run id, so an interrupted run resumes
// past completed steps instead of re-executing them. Step bodies must be
// safe to repeat, since a crash between finishing a side effect and
// persisting the checkpoint re-runs the step.
package workflow

import "errors"

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks an error as non-retryable: the run aborts immediately and
// surfaces it as the terminal status.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether any error in the chain was marked Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable. The executor also retries
// unclassified errors; the marker exists so callers can be explicit at
// network and store boundaries.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in the chain was marked Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
