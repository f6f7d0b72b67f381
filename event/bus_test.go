package event

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(KindServiceReady)
	require.NotNil(t, sub)

	bus.Publish(Event{Kind: KindServiceReady, Source: "manager", Key: "storage"})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, KindServiceReady, evt.Kind)
		assert.Equal(t, "storage", evt.Key)
		assert.False(t, evt.Timestamp.IsZero(), "timestamp should be filled in")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusKindFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ready := bus.Subscribe(KindServiceReady)
	failed := bus.Subscribe(KindServiceFailed)

	bus.Publish(Event{Kind: KindServiceFailed, Source: "manager", Key: "ai"})

	select {
	case evt := <-failed.Events():
		assert.Equal(t, "ai", evt.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ready.Events():
		t.Fatalf("unexpected event on ready subscription: %+v", evt)
	default:
	}
}

func TestBusKindAny(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(KindAny)

	bus.Publish(Event{Kind: KindCacheEvicted, Source: "cache", Key: "k1"})
	bus.Publish(Event{Kind: KindTaskFailed, Source: "tasks", Key: "t1"})

	kinds := []Kind{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-all.Events():
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []Kind{KindCacheEvicted, KindTaskFailed}, kinds)
}

func TestBusOrderingPerSubscriber(t *testing.T) {
	bus := NewBus(WithBufferSize(200))
	defer bus.Close()

	sub := bus.Subscribe(KindFileChanged)

	const n = 100
	for i := 0; i < n; i++ {
		bus.Publish(Event{Kind: KindFileChanged, Source: "watcher", Key: fmt.Sprintf("f%03d", i)})
	}

	for i := 0; i < n; i++ {
		select {
		case evt := <-sub.Events():
			assert.Equal(t, fmt.Sprintf("f%03d", i), evt.Key, "events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(WithBufferSize(2))
	defer bus.Close()

	sub := bus.Subscribe(KindRateLimited)
	require.NotNil(t, sub)

	// Nobody drains the subscription, so only the first two fit.
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: KindRateLimited, Source: "limiter", Key: "api"})
	}

	assert.Equal(t, int64(5), bus.Published())
	assert.Equal(t, int64(3), bus.Dropped())
	assert.Len(t, sub.Events(), 2)
}

func TestBusSubscribeFunc(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	cancel := bus.SubscribeFunc(KindServiceStopped, func(evt Event) {
		mu.Lock()
		got = append(got, evt.Key)
		mu.Unlock()
		if len(got) == 2 {
			close(done)
		}
	})
	defer cancel()

	bus.Publish(Event{Kind: KindServiceStopped, Key: "a"})
	bus.Publish(Event{Kind: KindServiceStopped, Key: "b"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callbacks")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(KindShutdown)
	sub.Close()

	// Channel must be closed and later publishes must not panic.
	_, ok := <-sub.Events()
	assert.False(t, ok)
	bus.Publish(Event{Kind: KindShutdown})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()

	sub := bus.Subscribe(KindServiceReady)
	bus.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "subscription channel should be closed")

	assert.Nil(t, bus.Subscribe(KindServiceReady), "subscribe after close returns nil")
	bus.Publish(Event{Kind: KindServiceReady})
	assert.Equal(t, int64(0), bus.Published())

	// Close is idempotent, and closing a subscription afterwards is safe.
	bus.Close()
	sub.Close()
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(WithBufferSize(1024))
	defer bus.Close()

	sub := bus.Subscribe(KindCacheEvicted)

	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 50
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				bus.Publish(Event{Kind: KindCacheEvicted, Source: "cache", Key: fmt.Sprintf("w%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(workers*perWorker), bus.Published())
	assert.Len(t, sub.Events(), workers*perWorker)
}
