// Package cache provides the key/value abstraction shared by the enhancement
// engine, the rollout gate and pending chat actions.
//
// Two backends implement KV: an in-process map with per-key expiry and a
// Redis client. Fallback composes them: remote first, local on remote error.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by Incr when the stored value is not a counter.
var ErrNotInteger = errors.New("cache: value is not an integer")

// KV is the uniform cache API. A zero ttl means no expiry.
type KV interface {
	// GetJSON decodes the value at key into dst. Reports false on a miss.
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)

	// SetJSON stores v at key, replacing any previous value.
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error

	// SetNX stores v only if key is absent. Reports whether it was stored.
	SetNX(ctx context.Context, key string, v interface{}, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key and returns the new value.
	// The ttl is applied only when the increment creates the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	Close() error
}
