package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/config"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/service"
)

// startWebhook brings up a manager with storage and the listener on an
// ephemeral port.
func startWebhook(t *testing.T) (*service.Manager, string) {
	t.Helper()

	m := service.NewManager(config.Default())

	storageCfg, err := json.Marshal(StorageConfig{
		Path:     filepath.Join(t.TempDir(), "webhook-test.db"),
		PoolSize: 2,
	})
	require.NoError(t, err)
	require.NoError(t, m.Register(service.Descriptor{
		Name: StorageName, Phase: 1, Config: storageCfg, Construct: NewStorage,
	}))
	require.NoError(t, m.Register(service.Descriptor{
		Name: WebhookName, Phase: 2, Config: json.RawMessage(`{"port":0}`), Construct: NewWebhook,
	}))

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.ShutdownAll(context.Background(), time.Second) })

	svc, err := m.Get(context.Background(), WebhookName)
	require.NoError(t, err)
	return m, "http://" + svc.(*Webhook).Address()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestWebhookProbes(t *testing.T) {
	_, base := startWebhook(t)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ready map[string]string
	code := getJSON(t, base+"/readyz", &ready)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", ready["status"])
}

func TestWebhookStatus(t *testing.T) {
	_, base := startWebhook(t)

	var status struct {
		Services []service.Info           `json:"services"`
		States   map[string]service.State `json:"states"`
	}
	code := getJSON(t, base+"/status", &status)
	require.Equal(t, http.StatusOK, code)

	assert.Len(t, status.Services, 2)
	assert.Equal(t, service.StateReady, status.States[StorageName])
	assert.Equal(t, service.StateReady, status.States[WebhookName])
}

func TestWebhookEvents(t *testing.T) {
	m, base := startWebhook(t)

	m.Bus().Publish(event.Event{Kind: event.KindFileChanged, Source: "test", Key: "/tmp/a"})

	// The audit subscription persists asynchronously.
	require.Eventually(t, func() bool {
		var body struct {
			Events []event.Event `json:"events"`
		}
		if getJSON(t, base+"/events", &body) != http.StatusOK {
			return false
		}
		for _, evt := range body.Events {
			if evt.Kind == event.KindFileChanged && evt.Key == "/tmp/a" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)

	code := getJSON(t, base+"/events?since=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhookMetricsEndpointAbsentWithoutRegistry(t *testing.T) {
	_, base := startWebhook(t)

	resp, err := http.Get(fmt.Sprintf("%s/metrics", base))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
