package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// expired treats the deadline itself as expired: an entry is live strictly
// before insert+TTL and a miss at or after it.
func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// evicted pairs an entry with the reason it left the cache so callbacks and
// events can be dispatched after the lock is released.
type evicted[V any] struct {
	entry  *entry[V]
	reason EvictReason
}

// ttlLRUCache bounds entries by individual lifetime and by count. When both
// policies apply, whichever triggers first wins.
type ttlLRUCache[V any] struct {
	mu         sync.RWMutex
	maxEntries int
	defaultTTL time.Duration
	items      map[string]*list.Element
	order      *list.List // front = most recently used

	stats   *Statistics      // always initialized
	metrics *cacheMetrics    // optional
	evictFn EvictCallback[V] // optional
	bus     *event.Bus       // optional
	source  string

	shutdown  chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	sweepInterval time.Duration
}

// New creates a cache bounded to maxEntries with the given default TTL. A
// background goroutine sweeps expired entries every sweepInterval; it stops
// when ctx is cancelled or Close is called.
func New[V any](
	ctx context.Context, maxEntries int, defaultTTL, sweepInterval time.Duration, options ...Option[V],
) (Cache[V], error) {
	if maxEntries <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New", "maxEntries must be positive")
	}
	if defaultTTL <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "New", "defaultTTL must be positive")
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
	}

	c := &ttlLRUCache[V]{
		maxEntries:    maxEntries,
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		items:         make(map[string]*list.Element),
		order:         list.New(),
		stats:         NewStatistics(),
		metrics:       metrics,
		evictFn:       opts.evictCallback,
		bus:           opts.bus,
		source:        opts.source,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go c.sweep(ctx)

	return c, nil
}

// Get retrieves a value, expiring it lazily if its deadline has passed. A
// hit moves the entry to the front of the recency order; the TTL deadline is
// left untouched.
func (c *ttlLRUCache[V]) Get(key string) (V, bool) {
	var dead *evicted[V]

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	ent := element.Value.(*entry[V])
	if ent.expired(time.Now()) {
		c.remove(element)
		dead = &evicted[V]{entry: ent, reason: ReasonExpired}
		c.stats.Eviction()
		c.stats.Miss()
		c.stats.UpdateSize(int64(len(c.items)))
		if c.metrics != nil {
			c.metrics.recordEviction()
			c.metrics.recordMiss()
			c.metrics.updateSize(len(c.items))
		}
		c.mu.Unlock()

		c.dispatch(dead)
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	value := ent.value
	c.mu.Unlock()
	return value, true
}

// Set stores a value with the cache's default TTL.
func (c *ttlLRUCache[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores a value with a per-entry TTL. If the cache is full the
// least recently used entry is evicted and its callback runs before
// SetWithTTL returns.
func (c *ttlLRUCache[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)

	var dead *evicted[V]

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		ent := element.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(element)

		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		c.mu.Unlock()
		return false, nil
	}

	element := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = element

	if len(c.items) > c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			ent := oldest.Value.(*entry[V])
			c.remove(oldest)
			dead = &evicted[V]{entry: ent, reason: ReasonCapacity}
			c.stats.Eviction()
			if c.metrics != nil {
				c.metrics.recordEviction()
			}
		}
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(len(c.items))
	}
	c.mu.Unlock()

	c.dispatch(dead)
	return true, nil
}

// Delete removes an entry by key. Explicit deletion does not run the
// eviction callback.
func (c *ttlLRUCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false, nil
	}

	c.remove(element)
	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(len(c.items))
	}
	return true, nil
}

// Clear removes all entries, invoking the eviction callback for each before
// returning.
func (c *ttlLRUCache[V]) Clear() error {
	var cleared []*evicted[V]

	c.mu.Lock()
	for element := c.order.Back(); element != nil; element = element.Prev() {
		ent := element.Value.(*entry[V])
		cleared = append(cleared, &evicted[V]{entry: ent, reason: ReasonCleared})
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	c.mu.Unlock()

	for _, d := range cleared {
		c.dispatch(d)
	}
	return nil
}

// Size returns the current number of entries.
func (c *ttlLRUCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns unexpired keys in recency order, most recently used first.
// Expired entries awaiting a sweep are skipped.
func (c *ttlLRUCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()
	for element := c.order.Front(); element != nil; element = element.Next() {
		ent := element.Value.(*entry[V])
		if !ent.expired(now) {
			keys = append(keys, ent.key)
		}
	}
	return keys
}

// Stats returns the cache statistics.
func (c *ttlLRUCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background sweep goroutine. Safe to call more than once,
// concurrently included.
func (c *ttlLRUCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for sweep goroutine to finish")
	}
}

// remove unlinks an element from both the map and the list. Caller holds the
// lock; callback and event dispatch are the caller's responsibility.
func (c *ttlLRUCache[V]) remove(element *list.Element) {
	ent := element.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(element)
}

// dispatch runs the eviction callback and publishes the eviction event. Must
// be called without the lock held.
func (c *ttlLRUCache[V]) dispatch(d *evicted[V]) {
	if d == nil {
		return
	}
	if c.evictFn != nil {
		c.evictFn(d.entry.key, d.entry.value)
	}
	if c.bus != nil {
		c.bus.Publish(event.Event{
			Kind:   event.KindCacheEvicted,
			Source: c.source,
			Key:    d.entry.key,
			Detail: map[string]any{"reason": string(d.reason)},
		})
	}
}

// sweep periodically removes expired entries.
func (c *ttlLRUCache[V]) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired drops every entry whose deadline has passed, then dispatches
// callbacks outside the lock.
func (c *ttlLRUCache[V]) removeExpired() {
	now := time.Now()
	var dead []*evicted[V]

	c.mu.Lock()
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		ent := element.Value.(*entry[V])
		if ent.expired(now) {
			c.remove(element)
			dead = append(dead, &evicted[V]{entry: ent, reason: ReasonExpired})
		}
		element = next
	}

	if len(dead) > 0 {
		for range dead {
			c.stats.Eviction()
		}
		c.stats.UpdateSize(int64(len(c.items)))
		if c.metrics != nil {
			for range dead {
				c.metrics.recordEviction()
			}
			c.metrics.updateSize(len(c.items))
		}
	}
	c.mu.Unlock()

	for _, d := range dead {
		c.dispatch(d)
	}
}
