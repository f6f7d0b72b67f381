package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigUnmarshalDurationStrings(t *testing.T) {
	raw := `{"enabled": true, "max_entries": 500, "default_ttl": "5m", "sweep_interval": "30s"}`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, 500, cfg.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestConfigUnmarshalNanoseconds(t *testing.T) {
	raw := `{"enabled": true, "max_entries": 10, "default_ttl": 60000000000}`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, time.Minute, cfg.DefaultTTL)
}

func TestConfigUnmarshalBadDuration(t *testing.T) {
	raw := `{"enabled": true, "default_ttl": "sideways"}`

	var cfg Config
	err := json.Unmarshal([]byte(raw), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_ttl")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxEntries = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DefaultTTL = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = Config{Enabled: false}
	assert.NoError(t, cfg.Validate(), "disabled config skips validation")
}

func TestNewFromConfigDisabledYieldsNoop(t *testing.T) {
	c, err := NewFromConfig[string](context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	created, err := c.Set("k", "v")
	require.NoError(t, err)
	assert.False(t, created)

	_, found := c.Get("k")
	assert.False(t, found, "noop cache always misses")
	assert.Equal(t, 0, c.Size())
	require.NoError(t, c.Close())
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	c, err := NewFromConfig[int](context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Set("answer", 42)
	require.NoError(t, err)
	val, found := c.Get("answer")
	assert.True(t, found)
	assert.Equal(t, 42, val)
}
