// Package store holds the failure kinds shared by every persistence layer and
// the retry policy applied around store calls.
package store

import "errors"

var (
	// ErrNotFound is returned when the addressed document or row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write lost against a concurrent
	// writer. Callers re-read and retry.
	ErrConflict = errors.New("store: update conflict")

	// ErrUnavailable marks a transient I/O failure. Retried with backoff.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrAlreadyExists is returned on a duplicate idempotency key.
	ErrAlreadyExists = errors.New("store: already exists")
)

// IsRetryable reports whether err is worth retrying as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
