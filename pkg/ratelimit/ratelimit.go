// Package ratelimit provides keyed token-bucket admission control. Each key
// (an API name, a tenant, a command family) gets its own bucket created on
// first use. Admission is non-blocking: a denied caller is never queued and
// decides on its own backoff.
package ratelimit

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/metric"
)

// Option configures a Limiter.
type Option func(*Limiter)

// WithEvents publishes a rate-limited event on every denial.
func WithEvents(bus *event.Bus, source string) Option {
	return func(l *Limiter) {
		if bus != nil {
			l.bus = bus
			l.source = source
		}
	}
}

// WithMetrics exports admission counters through the metrics registry.
func WithMetrics(registry *metric.Registry, prefix string) Option {
	return func(l *Limiter) {
		if registry != nil && prefix != "" {
			l.metricsReg = registry
			l.metricsPrefix = prefix
		}
	}
}

// Limiter is a keyed token-bucket rate limiter. Buckets refill at
// ratePerSecond and hold at most burst tokens; a bucket starts full, so the
// first burst admissions for a fresh key always succeed.
type Limiter struct {
	ratePerSecond rate.Limit
	burst         int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	allowed atomic.Int64
	denied  atomic.Int64

	bus    *event.Bus
	source string

	metricsReg    *metric.Registry
	metricsPrefix string
	metrics       *limiterMetrics
}

// New creates a keyed limiter. ratePerSecond must be positive and burst must
// be at least 1.
func New(ratePerSecond float64, burst int, opts ...Option) (*Limiter, error) {
	if ratePerSecond <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "New", "ratePerSecond must be positive")
	}
	if burst < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "New", "burst must be at least 1")
	}

	l := &Limiter{
		ratePerSecond: rate.Limit(ratePerSecond),
		burst:         burst,
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.metricsReg != nil {
		m, err := newLimiterMetrics(l.metricsReg, l.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "ratelimit", "New", "metrics registration")
		}
		l.metrics = m
	}

	return l, nil
}

// Allow reports whether one token is available for key, consuming it if so.
// It never blocks.
func (l *Limiter) Allow(key string) bool {
	allowed := l.bucket(key).Allow()

	if allowed {
		l.allowed.Add(1)
		if l.metrics != nil {
			l.metrics.recordAllowed()
		}
		return true
	}

	l.denied.Add(1)
	if l.metrics != nil {
		l.metrics.recordDenied()
	}
	if l.bus != nil {
		l.bus.Publish(event.Event{
			Kind:   event.KindRateLimited,
			Source: l.source,
			Key:    key,
		})
	}
	return false
}

// Check returns nil when a token was consumed, or a transient rate-limited
// error suitable for classification by the caller.
func (l *Limiter) Check(key string) error {
	if l.Allow(key) {
		return nil
	}
	return errors.WrapTransient(errors.ErrRateLimited, "ratelimit", "Check", "admission for "+key)
}

// bucket returns the token bucket for a key, creating it on first use. The
// read path takes only the read lock; creation re-checks under the write
// lock so concurrent first users share one bucket.
func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.ratePerSecond, l.burst)
	l.limiters[key] = lim
	return lim
}

// Forget drops the bucket for a key. The next use starts with a full bucket.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Keys returns the number of keys with live buckets.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Allowed returns the total number of admitted requests.
func (l *Limiter) Allowed() int64 { return l.allowed.Load() }

// Denied returns the total number of denied requests.
func (l *Limiter) Denied() int64 { return l.denied.Load() }
