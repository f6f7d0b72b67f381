package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/metric"
)

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration, opts ...Option[string]) Cache[string] {
	t.Helper()
	c, err := New[string](context.Background(), maxEntries, ttl, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetSetBasics(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, found := c.Get("missing")
	assert.False(t, found)

	created, err := c.Set("a", "1")
	require.NoError(t, err)
	assert.True(t, created)

	val, found := c.Get("a")
	assert.True(t, found)
	assert.Equal(t, "1", val)

	created, err = c.Set("a", "2")
	require.NoError(t, err)
	assert.False(t, created, "overwriting updates in place")

	val, _ = c.Get("a")
	assert.Equal(t, "2", val)
	assert.Equal(t, 1, c.Size())
}

func TestInvalidKeyRejected(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, err := c.Set("", "v")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = c.Delete("")
	require.Error(t, err)
}

func TestConstructorValidation(t *testing.T) {
	_, err := New[int](context.Background(), 0, time.Minute, time.Minute)
	assert.Error(t, err)

	_, err = New[int](context.Background(), 10, 0, time.Minute)
	assert.Error(t, err)
}

func TestPerEntryTTLExpiry(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)

	_, err := c.SetWithTTL("short", "v", 30*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Set("long", "v")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, found := c.Get("short")
	assert.False(t, found, "entry past its own TTL is gone")
	_, found = c.Get("long")
	assert.True(t, found, "default-TTL entry is unaffected")
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	deadline := time.Now()
	e := &entry[string]{expiresAt: deadline}

	assert.False(t, e.expired(deadline.Add(-time.Nanosecond)))
	assert.True(t, e.expired(deadline), "an entry is a miss exactly at its deadline")
	assert.True(t, e.expired(deadline.Add(time.Nanosecond)))
}

func TestReadDoesNotExtendTTL(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)

	_, err := c.SetWithTTL("k", "v", 80*time.Millisecond)
	require.NoError(t, err)

	// Keep reading; the deadline must not move.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.Get("k")
		time.Sleep(10 * time.Millisecond)
	}

	_, found := c.Get("k")
	assert.False(t, found, "reads refresh recency, never the TTL")
}

func TestLRUEvictionOrder(t *testing.T) {
	var mu sync.Mutex
	var evictedKeys []string

	c := newTestCache(t, 2, time.Minute, WithEvictionCallback[string](func(key string, _ string) {
		mu.Lock()
		evictedKeys = append(evictedKeys, key)
		mu.Unlock()
	}))

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")

	// Touch "a" so "b" is the least recently used.
	_, _ = c.Get("a")

	_, _ = c.Set("c", "3")

	mu.Lock()
	assert.Equal(t, []string{"b"}, evictedKeys, "callback runs before Set returns")
	mu.Unlock()

	assert.Equal(t, 2, c.Size())
	_, found := c.Get("b")
	assert.False(t, found)
	assert.ElementsMatch(t, []string{"a", "c"}, c.Keys())
}

func TestKeysRecencyOrder(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	_, _ = c.Set("c", "3")
	_, _ = c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestDeleteSkipsCallback(t *testing.T) {
	calls := 0
	c := newTestCache(t, 10, time.Minute, WithEvictionCallback[string](func(string, string) {
		calls++
	}))

	_, _ = c.Set("a", "1")

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, calls, "explicit deletes are not evictions")

	deleted, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestClearInvokesCallbackForAll(t *testing.T) {
	var mu sync.Mutex
	cleared := map[string]string{}

	c := newTestCache(t, 10, time.Minute, WithEvictionCallback[string](func(key, value string) {
		mu.Lock()
		cleared[key] = value
		mu.Unlock()
	}))

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")

	require.NoError(t, c.Clear())

	mu.Lock()
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, cleared)
	mu.Unlock()
	assert.Equal(t, 0, c.Size())
}

func TestStatisticsTracking(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	_, _ = c.Set("c", "3") // evicts "a"

	c.Get("b")
	c.Get("b")
	c.Get("nope")

	stats := c.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, int64(3), stats.Sets())
	assert.Equal(t, int64(2), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Evictions())
	assert.Equal(t, int64(2), stats.CurrentSize())
	assert.InDelta(t, 2.0/3.0, stats.HitRatio(), 0.001)
}

func TestEvictionEventPublished(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(event.KindCacheEvicted)

	c := newTestCache(t, 1, time.Minute, WithEvents[string](bus, "embeddings"))

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2") // evicts "a"

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "a", evt.Key)
		assert.Equal(t, "embeddings", evt.Source)
		assert.Equal(t, string(ReasonCapacity), evt.Detail["reason"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eviction event")
	}
}

func TestBackgroundSweep(t *testing.T) {
	var mu sync.Mutex
	var evictedKeys []string

	c, err := New[string](context.Background(), 10, time.Hour, 20*time.Millisecond,
		WithEvictionCallback[string](func(key string, _ string) {
			mu.Lock()
			evictedKeys = append(evictedKeys, key)
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.SetWithTTL("gone", "v", 10*time.Millisecond)
	require.NoError(t, err)

	// The sweep, not a Get, should collect it.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evictedKeys) == 1 && evictedKeys[0] == "gone"
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, c.Size())
}

func TestMetricsIntegration(t *testing.T) {
	reg := metric.NewRegistry()

	c, err := New[string](context.Background(), 10, time.Minute, time.Hour,
		WithMetrics[string](reg, "embeddings"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", "1")
	c.Get("a")
	c.Get("missing")

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["keel_cache_hits_total"])
	assert.True(t, found["keel_cache_misses_total"])
	assert.True(t, found["keel_cache_size"])
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCloseConcurrent(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
		}()
	}
	wg.Wait()
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, 100, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			keys := []string{"a", "b", "c", "d"}
			for i := 0; i < 200; i++ {
				key := keys[(w+i)%len(keys)]
				if i%3 == 0 {
					_, _ = c.Set(key, "v")
				} else {
					c.Get(key)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 4)
}
