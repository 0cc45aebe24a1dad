// Package store provides the shared key-value state the request tier is
// allowed to mutate: OAuth login sessions, rate counters, and quota
// counters. It is injected rather than global so the same logic runs
// against a single-process map in tests and Redis in production.
package store

import (
	"context"
	"time"
)

// Store is a scoped key-value store with per-key TTLs, atomic counters,
// and compare-and-swap. A zero TTL means no expiry.
type Store interface {
	// Get returns the value for key, or found=false if absent/expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer at key and returns the new
	// value. The TTL is applied when the counter is created. The
	// increment and the returned value are a single atomic step; callers
	// compare the result against their limit without a second read.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndSwap replaces the value at key with next only if the
	// current value equals prev. Returns swapped=false if the key is
	// absent or holds a different value. The TTL of the entry is
	// preserved when ttl is zero, otherwise reset.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)

	// Close releases backend resources.
	Close() error
}
