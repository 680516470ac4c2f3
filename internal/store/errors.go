package store

import "errors"

// Common store errors used across implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUpdateFailed is returned when a bulk update affects no rows it
	// was expected to affect.
	ErrUpdateFailed = errors.New("update failed")
)
