// Package kv is the shared key-value store that coordinates state across
// gophtrust instances. It only offers per-key atomic primitives (get, set,
// conditional set, append, expire); there is no multi-key locking.
package kv

import (
	"context"
	"time"
)

// Store is implemented by PostgresStore for multi-instance deployments and
// by MemoryStore for single-process use and tests. Every key carries a TTL;
// expired keys behave exactly like missing ones.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets key only when it is absent or expired and reports whether
	// this call wrote it.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Append pushes value to the end of the list at key, resets the list TTL
	// and returns the new length (the 1-based position of value).
	Append(ctx context.Context, key, value string, ttl time.Duration) (int64, error)
	List(ctx context.Context, key string) ([]string, error)

	// Expire resets the TTL of a live key (scalar or list). Missing keys are
	// ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// PurgeExpired drops expired keys and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}
