package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, NewHealthy("a", "ok").IsHealthy())
	assert.True(t, NewDegraded("a", "slow").IsDegraded())
	assert.True(t, NewUnhealthy("a", "down").IsUnhealthy())

	assert.False(t, NewDegraded("a", "slow").Healthy)
	assert.False(t, NewUnhealthy("a", "down").Healthy)
}

func TestAggregateRules(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"one unhealthy", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestWithSubStatusDoesNotShare(t *testing.T) {
	base := NewHealthy("parent", "ok")
	a := base.WithSubStatus(NewHealthy("a", ""))
	b := a.WithSubStatus(NewHealthy("b", ""))

	assert.Len(t, a.SubStatuses, 1)
	assert.Len(t, b.SubStatuses, 2)
}

func TestFromErrorSanitizes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		notWant []string
	}{
		{"url", errors.New("dial https://api.example.com/v1 failed"), []string{"api.example.com"}},
		{"path", errors.New("open /etc/keel/secrets.json: permission denied"), []string{"/etc/keel"}},
		{"ip and port", errors.New("connect 10.0.0.5:5432 refused"), []string{"10.0.0.5", "5432"}},
		{"credential", errors.New("auth failed: password=hunter2"), []string{"hunter2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := FromError("db", tt.err)
			assert.True(t, status.IsUnhealthy())
			for _, leak := range tt.notWant {
				assert.NotContains(t, status.Message, leak)
			}
		})
	}

	assert.Equal(t, "unknown error", FromError("db", nil).Message)
}

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("storage", "connected")
	m.UpdateDegraded("ai", "provider slow")

	status, ok := m.Get("storage")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "storage", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, m.Count())
	assert.ElementsMatch(t, []string{"storage", "ai"}, m.ListComponents())
}

func TestMonitorAggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "")
	m.UpdateHealthy("b", "")

	assert.Equal(t, StatusHealthy, m.AggregateHealth("system").Status)

	m.UpdateUnhealthy("b", "down")
	agg := m.AggregateHealth("system")
	assert.Equal(t, StatusUnhealthy, agg.Status)
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitorRemoveAndClear(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "")
	m.UpdateHealthy("b", "")

	m.Remove("a")
	assert.Equal(t, 1, m.Count())

	m.Clear()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, StatusHealthy, m.AggregateHealth("system").Status)
}

func TestMonitorGetAllIsACopy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "")

	all := m.GetAll()
	delete(all, "a")
	assert.Equal(t, 1, m.Count())
}
