// Package pool provides a generic bounded resource pool with leases. The
// pool never holds more than its configured size across idle and leased
// resources combined. Resources are created lazily, health-checked on
// acquisition, and closed when discarded or when the pool shuts down.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/metric"
)

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithHealthCheck sets a predicate run against idle resources on acquisition.
// A resource failing the check is closed and replaced transparently.
func WithHealthCheck[T any](check func(T) bool) Option[T] {
	return func(p *Pool[T]) {
		p.healthCheck = check
	}
}

// WithCloser sets the function used to dispose of resources. Without one,
// discarded resources are simply dropped.
func WithCloser[T any](closer func(T) error) Option[T] {
	return func(p *Pool[T]) {
		p.closer = closer
	}
}

// WithEvents publishes a pool-exhausted event whenever an acquisition times
// out waiting for capacity.
func WithEvents[T any](bus *event.Bus, source string) Option[T] {
	return func(p *Pool[T]) {
		if bus != nil {
			p.bus = bus
			p.source = source
		}
	}
}

// WithMetrics exports pool gauges and counters through the metrics registry.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		if registry != nil && prefix != "" {
			p.metricsReg = registry
			p.metricsPrefix = prefix
		}
	}
}

// Pool is a bounded pool of resources of type T.
type Pool[T any] struct {
	create         func(ctx context.Context) (T, error)
	healthCheck    func(T) bool
	closer         func(T) error
	maxSize        int
	acquireTimeout time.Duration

	idle  chan T
	slots chan struct{} // capacity tokens; holding one entitles the holder to one resource

	closed    chan struct{}
	closeOnce sync.Once

	leased       atomic.Int64
	creates      atomic.Int64
	acquires     atomic.Int64
	releases     atomic.Int64
	discards     atomic.Int64
	exhaustions  atomic.Int64
	healthFails  atomic.Int64

	bus    *event.Bus
	source string

	metricsReg    *metric.Registry
	metricsPrefix string
	metrics       *poolMetrics
}

// New creates a pool of at most maxSize resources. create is called lazily
// whenever an acquisition finds no healthy idle resource and a capacity slot
// is free. acquireTimeout bounds how long Acquire waits for a slot when the
// caller's context carries no earlier deadline.
func New[T any](
	create func(ctx context.Context) (T, error),
	maxSize int,
	acquireTimeout time.Duration,
	opts ...Option[T],
) (*Pool[T], error) {
	if create == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "pool", "New", "create function is required")
	}
	if maxSize < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "pool", "New", "maxSize must be at least 1")
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}

	p := &Pool[T]{
		create:         create,
		maxSize:        maxSize,
		acquireTimeout: acquireTimeout,
		idle:           make(chan T, maxSize),
		slots:          make(chan struct{}, maxSize),
		closed:         make(chan struct{}),
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.metricsReg != nil {
		m, err := newPoolMetrics(p.metricsReg, p.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "pool", "New", "metrics registration")
		}
		p.metrics = m
	}

	return p, nil
}

// Acquire leases a resource. It reuses a healthy idle resource when one
// exists, creates a new one while capacity remains, and otherwise waits for
// a slot until the acquire timeout or the caller's deadline, whichever comes
// first. Exhaustion is a transient error.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	select {
	case <-p.closed:
		return nil, errors.WrapFatal(errors.ErrPoolClosed, "pool", "Acquire", "lease")
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	select {
	case <-p.slots:
	case <-p.closed:
		return nil, errors.WrapFatal(errors.ErrPoolClosed, "pool", "Acquire", "lease")
	case <-ctx.Done():
		p.exhaustions.Add(1)
		if p.metrics != nil {
			p.metrics.recordExhaustion()
		}
		if p.bus != nil {
			p.bus.Publish(event.Event{
				Kind:   event.KindPoolExhausted,
				Source: p.source,
			})
		}
		return nil, errors.WrapTransient(errors.ErrPoolExhausted, "pool", "Acquire", "waiting for capacity")
	}

	// The slot is ours; find or make a resource to go with it.
	value, err := p.resourceForSlot(ctx)
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}

	p.leased.Add(1)
	p.acquires.Add(1)
	if p.metrics != nil {
		p.metrics.recordAcquire()
		p.metrics.updateGauges(len(p.idle), int(p.leased.Load()))
	}

	return &Lease[T]{pool: p, value: value}, nil
}

// resourceForSlot drains unhealthy idle resources and either reuses a
// healthy one or creates a fresh resource.
func (p *Pool[T]) resourceForSlot(ctx context.Context) (T, error) {
	for {
		select {
		case value := <-p.idle:
			if p.healthCheck != nil && !p.healthCheck(value) {
				p.healthFails.Add(1)
				if p.metrics != nil {
					p.metrics.recordHealthFailure()
				}
				p.dispose(value)
				continue
			}
			return value, nil
		default:
			value, err := p.create(ctx)
			if err != nil {
				var zero T
				return zero, errors.Wrap(err, "pool", "Acquire", "resource creation")
			}
			p.creates.Add(1)
			if p.metrics != nil {
				p.metrics.recordCreate()
			}
			return value, nil
		}
	}
}

// WithResource acquires a resource, runs fn with it, and returns the
// resource to the pool. The lease is settled even when fn panics: the
// resource is discarded (its invariants are suspect) and the panic resumes.
func WithResource[T any](ctx context.Context, p *Pool[T], fn func(T) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	panicking := true
	defer func() {
		if panicking {
			lease.Discard()
		} else {
			lease.Release()
		}
	}()

	err = fn(lease.Value())
	panicking = false
	return err
}

// Close shuts the pool down. Idle resources are disposed of; outstanding
// leases are disposed of when released. Pending and future acquisitions fail
// with a pool-closed error.
func (p *Pool[T]) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		for {
			select {
			case value := <-p.idle:
				p.dispose(value)
			default:
				return
			}
		}
	})
	return nil
}

// release returns a leased resource to the idle set, or disposes of it when
// the pool has closed in the meantime.
func (p *Pool[T]) release(value T) {
	p.leased.Add(-1)
	p.releases.Add(1)

	select {
	case <-p.closed:
		p.dispose(value)
	default:
		p.idle <- value
		// Close may have finished its drain between the check above and
		// the send. Re-check and pull a resource back out so nothing is
		// stranded in the idle channel after shutdown.
		select {
		case <-p.closed:
			select {
			case stranded := <-p.idle:
				p.dispose(stranded)
			default:
			}
		default:
		}
	}
	p.slots <- struct{}{}

	if p.metrics != nil {
		p.metrics.recordRelease()
		p.metrics.updateGauges(len(p.idle), int(p.leased.Load()))
	}
}

// discard disposes of a leased resource and frees its capacity slot.
func (p *Pool[T]) discard(value T) {
	p.leased.Add(-1)
	p.discards.Add(1)
	p.dispose(value)
	p.slots <- struct{}{}

	if p.metrics != nil {
		p.metrics.recordDiscard()
		p.metrics.updateGauges(len(p.idle), int(p.leased.Load()))
	}
}

func (p *Pool[T]) dispose(value T) {
	if p.closer != nil {
		_ = p.closer(value)
	}
}

// Idle returns the number of idle resources.
func (p *Pool[T]) Idle() int { return len(p.idle) }

// Leased returns the number of outstanding leases.
func (p *Pool[T]) Leased() int { return int(p.leased.Load()) }

// Stats returns a snapshot of the pool's counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		MaxSize:        p.maxSize,
		Idle:           len(p.idle),
		Leased:         int(p.leased.Load()),
		Creates:        p.creates.Load(),
		Acquires:       p.acquires.Load(),
		Releases:       p.releases.Load(),
		Discards:       p.discards.Load(),
		Exhaustions:    p.exhaustions.Load(),
		HealthFailures: p.healthFails.Load(),
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	MaxSize        int   `json:"max_size"`
	Idle           int   `json:"idle"`
	Leased         int   `json:"leased"`
	Creates        int64 `json:"creates"`
	Acquires       int64 `json:"acquires"`
	Releases       int64 `json:"releases"`
	Discards       int64 `json:"discards"`
	Exhaustions    int64 `json:"exhaustions"`
	HealthFailures int64 `json:"health_failures"`
}

// Lease is an exclusive claim on one pooled resource. Exactly one of Release
// or Discard must be called; whichever comes second is a no-op.
type Lease[T any] struct {
	pool  *Pool[T]
	value T
	once  sync.Once
}

// Value returns the leased resource. Using it after settling the lease is a
// caller bug.
func (l *Lease[T]) Value() T {
	return l.value
}

// Release returns the resource to the pool for reuse.
func (l *Lease[T]) Release() {
	l.once.Do(func() { l.pool.release(l.value) })
}

// Discard disposes of the resource instead of returning it, freeing its
// capacity slot for a replacement.
func (l *Lease[T]) Discard() {
	l.once.Do(func() { l.pool.discard(l.value) })
}
