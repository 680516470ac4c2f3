// Package kv defines the contract for the shared remote key-value store and
// provides the process-local fallback used when that store is unreachable.
package kv

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrUnavailable indicates the remote store could not be reached
	// (connection refused, timeout, protocol failure). Callers treat this
	// as a signal to degrade to a local backend rather than fail.
	ErrUnavailable = errors.New("key-value store unavailable")

	// ErrNotSupported is returned by backends that cannot execute a given
	// primitive (e.g., the in-memory fallback has no script engine).
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// Store is the minimal contract over a remote, shared, TTL-capable
// key-value store. Implementations must be safe for concurrent use and
// byte-for-byte transparent: Get returns exactly the bytes passed to Set.
//
// Get returns (nil, false, nil) on a miss; an error is reserved for
// infrastructure failure, never for absence.
type Store interface {
	// Get returns the value for key. ok is false if the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key with the given TTL. A non-positive TTL
	// stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys, returning how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Exists reports whether key is present (and unexpired).
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns all keys matching the glob-style pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Expire resets the TTL of an existing key. Returns false if the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Eval executes an atomic script against the store. Only the remote
	// backend supports this; local backends return ErrNotSupported.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}
