// Package state provides the shared mutable state the engine needs across
// request paths: temporary per-model cooldowns and a TTL'd key/value store
// backing the response cache. The memory backend serves single-process
// deployments; the valkey backend shares state across processes. The engine's
// correctness does not depend on which is installed.
package state

import (
	"context"
	"time"
)

type Manager interface {
	// Allow reports whether the model of the provider may be used right
	// now. When a cooldown is active it returns false plus the remaining
	// wait.
	Allow(ctx context.Context, provider string, model string) (bool, time.Duration, error)

	// Cooldown disables the model of the provider for the given duration.
	Cooldown(ctx context.Context, provider string, model string, duration time.Duration) error

	// SaveCache stores value under key for the given duration.
	SaveCache(ctx context.Context, key string, value []byte, duration time.Duration) error

	// LoadCache returns the value stored under key, or nil when the key is
	// unknown or its entry has expired.
	LoadCache(ctx context.Context, key string) ([]byte, error)
}
