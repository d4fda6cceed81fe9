// Package sentinel holds the infrastructure errors stores and adapters return.
// Services translate them into coded domain errors; validation failures use
// pkg/domain-errors directly.
package sentinel

import "errors"

var (
	// ErrNotFound means the record, session or journal entry does not exist
	// or has expired.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a unique key is already taken.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means the backing service refused or dropped the call
	// and nothing was written.
	ErrUnavailable = errors.New("unavailable")
	// ErrTimeout means a remote call exceeded its deadline and its outcome
	// is unknown.
	ErrTimeout = errors.New("timeout")
)
