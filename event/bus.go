// Package event provides the process-wide publish/subscribe bus used by all
// Keel components to announce state transitions (service ready, cache
// evicted, task failed) to outside observers such as the UI, logging, and
// audit layers.
//
// Delivery order per subscriber matches publish order for events published
// from the same originating component. Bus state is not persisted; no
// delivery guarantee is made across restarts.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the type of an event.
type Kind string

// Event kinds published by the lifecycle core.
const (
	KindServiceReady   Kind = "service-ready"
	KindServiceFailed  Kind = "service-failed"
	KindServiceStopped Kind = "service-stopped"
	KindCacheEvicted   Kind = "cache-evicted"
	KindTaskFailed     Kind = "task-failed"
	KindRateLimited    Kind = "rate-limited"
	KindPoolExhausted  Kind = "pool-exhausted"
	KindFileChanged    Kind = "file-changed"
	KindShutdown       Kind = "shutdown"

	// KindAny subscribes to every event kind.
	KindAny Kind = "*"
)

// Event is a typed notification published on the bus.
type Event struct {
	Kind      Kind           `json:"kind"`
	Source    string         `json:"source"`
	Key       string         `json:"key,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Subscription is a registered interest in one event kind. Events are
// delivered on a buffered channel; if a subscriber falls behind and its
// buffer fills, further events for it are dropped and counted.
type Subscription struct {
	kind Kind
	ch   chan Event
	bus  *Bus

	closeOnce sync.Once
}

// Events returns the channel on which events are delivered. The channel is
// closed when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close cancels the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Option configures the bus.
type Option func(*Bus)

// WithLogger sets a custom logger for the bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBufferSize sets the per-subscriber channel buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// Bus is the single in-process publish/subscribe mechanism. Publish is
// non-blocking and lock-bounded: it never suspends the publisher.
type Bus struct {
	mu         sync.Mutex
	subs       map[Kind][]*Subscription
	closed     bool
	bufferSize int
	logger     *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a new event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[Kind][]*Subscription),
		bufferSize: 64,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in a single event kind (or KindAny for all).
// Returns nil if the bus is already closed.
func (b *Bus) Subscribe(kind Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscription{
		kind: kind,
		ch:   make(chan Event, b.bufferSize),
		bus:  b,
	}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// SubscribeFunc registers a callback for an event kind. The callback runs on
// a dedicated goroutine draining the subscription channel, so per-subscriber
// ordering is preserved. The returned cancel function stops delivery.
func (b *Bus) SubscribeFunc(kind Kind, fn func(Event)) (cancel func()) {
	sub := b.Subscribe(kind)
	if sub == nil {
		return func() {}
	}

	go func() {
		for evt := range sub.ch {
			fn(evt)
		}
	}()

	return sub.Close
}

// Publish delivers an event to all subscribers of its kind (and of KindAny)
// in publish order. A zero timestamp is filled in. Publish never blocks: a
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	b.deliver(b.subs[evt.Kind], evt)
	if evt.Kind != KindAny {
		b.deliver(b.subs[KindAny], evt)
	}
}

// deliver fans out to a subscriber list. Must be called with the mutex held;
// holding it across the fan-out is what keeps per-subscriber delivery order
// equal to publish order.
func (b *Bus) deliver(subs []*Subscription, evt Event) {
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				"kind", evt.Kind,
				"source", evt.Source,
				"key", evt.Key)
		}
	}
}

// Published returns the total number of events accepted by the bus.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns the total number of per-subscriber deliveries dropped due
// to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus down, closing all subscription channels. Subsequent
// publishes are discarded and subsequent subscribes return nil.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[Kind][]*Subscription)
}

// unsubscribe removes a subscription and closes its channel.
func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.kind]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.kind] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.closeOnce.Do(func() { close(s.ch) })
}
