package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/config"
	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/service"
)

func TestNotifierRequiresURL(t *testing.T) {
	deps := service.NewManager(config.Default()).Dependencies()
	_, err := NewNotifier(json.RawMessage(`{}`), deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestNotifierForwardsEvents(t *testing.T) {
	received := make(chan event.Event, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var evt event.Event
		require.NoError(t, json.Unmarshal(body, &evt))
		received <- evt
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	m := service.NewManager(config.Default())
	deps := m.Dependencies()

	raw, err := json.Marshal(map[string]any{
		"url":   ts.URL,
		"kinds": []string{string(event.KindServiceReady)},
	})
	require.NoError(t, err)

	svc, err := NewNotifier(raw, deps)
	require.NoError(t, err)
	hook := svc.(*Notifier)

	require.NoError(t, hook.Start(context.Background()))
	defer func() { _ = hook.Stop(time.Second) }()

	deps.Bus.Publish(event.Event{Kind: event.KindServiceReady, Source: "test", Key: "db"})
	deps.Bus.Publish(event.Event{Kind: event.KindCacheEvicted, Source: "test", Key: "ignored"})

	select {
	case evt := <-received:
		assert.Equal(t, event.KindServiceReady, evt.Kind)
		assert.Equal(t, "db", evt.Key)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the event to be forwarded")
	}

	// The cache eviction was filtered out.
	select {
	case evt := <-received:
		t.Fatalf("unexpected delivery: %v", evt.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	var attempts int
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer ts.Close()

	m := service.NewManager(config.Default())
	deps := m.Dependencies()

	raw, err := json.Marshal(map[string]any{"url": ts.URL})
	require.NoError(t, err)

	svc, err := NewNotifier(raw, deps)
	require.NoError(t, err)
	hook := svc.(*Notifier)

	require.NoError(t, hook.Start(context.Background()))
	defer func() { _ = hook.Stop(time.Second) }()

	deps.Bus.Publish(event.Event{Kind: event.KindServiceReady, Source: "test"})

	select {
	case <-done:
		assert.Equal(t, 3, attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("expected delivery to succeed after retries")
	}
}
