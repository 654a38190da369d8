// Package cache defines the pluggable cache contract shared by the schema
// cache and the session resolution path, with in-memory and Redis backends.
package cache

import (
	"context"
	"time"
)

// Adapter is a generic key/value cache with per-entry TTL.
type Adapter interface {

	// Get returns the value for key, and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key for ttl. A non-positive ttl stores nothing.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes key if present.
	Del(ctx context.Context, key string) error

	// Clear removes every entry this adapter holds.
	Clear(ctx context.Context) error

	// Close releases residual resources.
	Close()
}
