package cache

import "errors"

// Common cache errors.
var (
	// ErrEncode is returned by Set/MSet when a value cannot be serialized.
	// The failing entry is never written, so sibling entries stay intact.
	ErrEncode = errors.New("failed to encode cache value")

	// ErrDecode indicates a cached payload could not be deserialized. It is
	// surfaced internally only; Get reports a decode failure as a miss.
	ErrDecode = errors.New("failed to decode cache value")
)
