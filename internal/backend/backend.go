// Package backend defines the atomic key/value and ordered-timestamp-set
// capability that strategies, block records, and violation markers are
// built on top of.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a backend cannot service a request
// (connection failure, timeout, or a remote command error). Callers map
// this to a fail-open or fail-closed admission policy of their choosing.
var ErrUnavailable = errors.New("ratethrottle: backend unavailable")

// Backend is the capability set strategies and the engine's block-state
// gate consume. All mutations of a single key linearize.
type Backend interface {
	// Get returns the raw value for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value for key. ttl<=0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds delta to the integer stored at key
	// (initialized to 0 if absent) and applies ttl, returning the new value.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap replaces the value at key with newValue if and only if
	// the current value equals expected (nil expected means "key absent").
	// Used by strategies that must read-modify-write under contention.
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error)

	// AppendTimestamp appends ts to the ordered-timestamp set at key.
	AppendTimestamp(ctx context.Context, key string, ts float64, ttl time.Duration) error

	// TrimBefore removes all timestamps strictly before cutoff from the set.
	TrimBefore(ctx context.Context, key string, cutoff float64) error

	// CountAfter returns the number of timestamps >= cutoff in the set.
	CountAfter(ctx context.Context, key string, cutoff float64) (int64, error)

	// OldestAfter returns the smallest timestamp >= cutoff in the set, if any.
	OldestAfter(ctx context.Context, key string, cutoff float64) (ts float64, ok bool, err error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// HealthCheck performs a cheap round-trip probe against the backend.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
