package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/config"
	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/service"
)

func testDeps(t *testing.T) *service.Dependencies {
	t.Helper()
	return service.NewManager(config.Default()).Dependencies()
}

func startStorage(t *testing.T) *Storage {
	t.Helper()

	raw, err := json.Marshal(StorageConfig{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
	})
	require.NoError(t, err)

	svc, err := NewStorage(raw, testDeps(t))
	require.NoError(t, err)
	store := svc.(*Storage)

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop(time.Second) })
	return store
}

func TestStorageRequiresPath(t *testing.T) {
	_, err := NewStorage(json.RawMessage(`{}`), testDeps(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestStoragePutGet(t *testing.T) {
	store := startStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session/1", []byte(`{"user":"amy"}`)))

	value, err := store.Get(ctx, "session/1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"user":"amy"}`), value)

	// Put replaces.
	require.NoError(t, store.Put(ctx, "session/1", []byte(`{"user":"bo"}`)))
	value, err = store.Get(ctx, "session/1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"user":"bo"}`), value)
}

func TestStorageGetMissing(t *testing.T) {
	store := startStorage(t)

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStorageDelete(t *testing.T) {
	store := startStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "doomed", []byte("x")))
	require.NoError(t, store.Delete(ctx, "doomed"))

	_, err := store.Get(ctx, "doomed")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// Deleting an absent key is fine.
	require.NoError(t, store.Delete(ctx, "doomed"))
}

func TestStorageKeys(t *testing.T) {
	store := startStorage(t)
	ctx := context.Background()

	for _, key := range []string{"completions/a/1", "completions/a/2", "completions/b/1", "settings/theme"} {
		require.NoError(t, store.Put(ctx, key, []byte("v")))
	}

	keys, err := store.Keys(ctx, "completions/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"completions/a/1", "completions/a/2"}, keys)

	all, err := store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStorageRejectsEmptyKey(t *testing.T) {
	store := startStorage(t)
	err := store.Put(context.Background(), "", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStorageAuditLog(t *testing.T) {
	store := startStorage(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	events := []event.Event{
		{Kind: event.KindServiceReady, Source: "manager", Key: "db", Timestamp: base},
		{Kind: event.KindRateLimited, Source: "ai", Key: "session-1", Timestamp: base.Add(time.Minute),
			Detail: map[string]any{"burst": float64(5)}},
		{Kind: event.KindServiceStopped, Source: "manager", Key: "db", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, evt := range events {
		require.NoError(t, store.SaveEvent(ctx, evt))
	}

	got, err := store.EventsSince(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, event.KindRateLimited, got[0].Kind)
	assert.Equal(t, map[string]any{"burst": float64(5)}, got[0].Detail)
	assert.Equal(t, event.KindServiceStopped, got[1].Kind)

	pruned, err := store.PruneBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)

	got, err = store.EventsSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.KindServiceStopped, got[0].Kind)
}

func TestStoragePersistsBusEvents(t *testing.T) {
	m := service.NewManager(config.Default())
	deps := m.Dependencies()

	raw, err := json.Marshal(StorageConfig{
		Path:     filepath.Join(t.TempDir(), "audit.db"),
		PoolSize: 2,
	})
	require.NoError(t, err)

	svc, err := NewStorage(raw, deps)
	require.NoError(t, err)
	store := svc.(*Storage)
	require.NoError(t, store.Start(context.Background()))
	defer func() { _ = store.Stop(time.Second) }()

	deps.Bus.Publish(event.Event{Kind: event.KindFileChanged, Source: "watcher", Key: "/tmp/x"})

	require.Eventually(t, func() bool {
		events, err := store.EventsSince(context.Background(), time.Time{})
		return err == nil && len(events) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStorageConcurrentWrites(t *testing.T) {
	store := startStorage(t)
	ctx := context.Background()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- store.Put(ctx, fmt.Sprintf("key/%d", i), []byte("v"))
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	keys, err := store.Keys(ctx, "key/")
	require.NoError(t, err)
	assert.Len(t, keys, 10)
}
