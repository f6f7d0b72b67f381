// Package cache provides a generic, thread-safe cache bounding both entry
// lifetime and entry count. Entries expire individually (each Set may carry
// its own TTL) and the least recently used entry is evicted when the cache
// is full.
//
// Statistics are always collected; Prometheus metrics and event publication
// are optional and enabled via functional options.
package cache

import (
	"time"

	"github.com/keelframework/keel/errors"
)

// Cache is the interface satisfied by all cache implementations. The cache
// is parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. A hit refreshes the entry's recency but
	// never extends its TTL. Returns the zero value and false on a miss or
	// when the entry has expired.
	Get(key string) (V, bool)

	// Set stores a value under key with the cache's default TTL. Returns
	// true if a new entry was created, false if an existing one was updated.
	Set(key string, value V) (bool, error)

	// SetWithTTL stores a value with an explicit TTL. A ttl <= 0 falls back
	// to the cache default.
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries, invoking the eviction callback for each.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns the unexpired keys in recency order, most recent first.
	Keys() []string

	// Stats returns the cache statistics. Never nil.
	Stats() *Statistics

	// Close stops the background expiry sweep.
	Close() error
}

// EvictCallback is called for every entry leaving the cache through
// expiration, capacity eviction, or Clear. It runs after the cache lock is
// released but before the evicting operation returns.
type EvictCallback[V any] func(key string, value V)

// EvictReason says why an entry left the cache.
type EvictReason string

const (
	ReasonExpired  EvictReason = "expired"
	ReasonCapacity EvictReason = "capacity"
	ReasonCleared  EvictReason = "cleared"
)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
