package cache

import (
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

// cacheOptions holds internal configuration for cache instances. Stats are
// always collected; metrics and events are opt-in.
type cacheOptions[V any] struct {
	metricsReg    *metric.Registry
	metricsPrefix string
	evictCallback EvictCallback[V]
	bus           *event.Bus
	source        string
}

// WithMetrics enables Prometheus metrics export for cache statistics. The
// prefix is used as the component label. A nil registry or empty prefix is
// ignored.
func WithMetrics[V any](registry *metric.Registry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for each evicted entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithEvents publishes a cache-evicted event on the bus for every eviction,
// with source as the originating component name.
func WithEvents[V any](bus *event.Bus, source string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if bus != nil {
			opts.bus = bus
			opts.source = source
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
