// Package cache provides the advisory cache interface used for idempotency
// token lookups and queue statistics. Caches here are optimization layers:
// bounded staleness within the TTL is acceptable and correctness never
// depends on a hit.
package cache

import (
	"context"
	"time"
)

// Cache is the injected cache contract. An in-process implementation is the
// degraded default; a shared store implements the same interface.
type Cache interface {
	// Get returns the cached value and whether it was present and unexpired.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores a value with an explicit TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration)

	// Invalidate removes a key. Some callers intentionally skip this and
	// let TTL expiry do the work.
	Invalidate(ctx context.Context, key string)
}
