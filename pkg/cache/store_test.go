package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreConfig() Config {
	return Config{
		Enabled:       true,
		MaxEntries:    10,
		DefaultTTL:    time.Minute,
		SweepInterval: time.Minute,
	}
}

func TestStoreNamespaceIsolation(t *testing.T) {
	store, err := NewStore[string](context.Background(), testStoreConfig())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	sessions, err := store.Namespace("sessions")
	require.NoError(t, err)
	completions, err := store.Namespace("completions")
	require.NoError(t, err)

	_, err = sessions.Set("k", "session value")
	require.NoError(t, err)

	_, ok := completions.Get("k")
	assert.False(t, ok, "namespaces must not share entries")

	value, ok := sessions.Get("k")
	require.True(t, ok)
	assert.Equal(t, "session value", value)
}

func TestStoreNamespaceReuse(t *testing.T) {
	store, err := NewStore[int](context.Background(), testStoreConfig())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	first, err := store.Namespace("shared")
	require.NoError(t, err)
	second, err := store.Namespace("shared")
	require.NoError(t, err)
	assert.Same(t, first, second)

	assert.ElementsMatch(t, []string{"shared"}, store.Names())
}

func TestStoreConcurrentFirstUse(t *testing.T) {
	store, err := NewStore[int](context.Background(), testStoreConfig())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	caches := make([]Cache[int], 16)
	var wg sync.WaitGroup
	for i := range caches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := store.Namespace("hot")
			assert.NoError(t, err)
			caches[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range caches[1:] {
		assert.Same(t, caches[0], c)
	}
}

func TestStoreCloseDegradesToNoop(t *testing.T) {
	store, err := NewStore[string](context.Background(), testStoreConfig())
	require.NoError(t, err)

	ns, err := store.Namespace("live")
	require.NoError(t, err)
	_, err = ns.Set("k", "v")
	require.NoError(t, err)

	require.NoError(t, store.Close())

	late, err := store.Namespace("late")
	require.NoError(t, err)
	ok, err := late.Set("k", "v")
	require.NoError(t, err)
	assert.False(t, ok)
	_, found := late.Get("k")
	assert.False(t, found)
}
