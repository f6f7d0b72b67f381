package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("connection refused")
	err := Wrap(base, "pool", "Acquire", "health check")

	assert.Equal(t, "pool.Acquire: health check failed: connection refused", err.Error())
	assert.True(t, stderrors.Is(err, base))
	assert.Nil(t, Wrap(nil, "pool", "Acquire", "health check"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
		invalid   bool
	}{
		{"pool exhausted", ErrPoolExhausted, true, false, false},
		{"rate limited", ErrRateLimited, true, false, false},
		{"wait timeout", ErrWaitTimeout, true, false, false},
		{"context deadline", context.DeadlineExceeded, true, false, false},
		{"init failed", ErrInitializationFailed, false, true, false},
		{"missing config", ErrMissingConfig, false, true, false},
		{"wrapped pool exhausted", fmt.Errorf("acquire: %w", ErrPoolExhausted), true, false, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, tt.invalid, IsInvalid(tt.err))
		})
	}
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	transient := WrapTransient(base, "limiter", "Allow", "admission")
	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.True(t, stderrors.Is(transient, base))

	fatal := WrapFatal(base, "manager", "Start", "phase 1")
	assert.True(t, IsFatal(fatal))
	assert.Equal(t, ClassFatal, Classify(fatal))

	invalid := WrapInvalid(base, "config", "Validate", "parse")
	assert.True(t, IsInvalid(invalid))
	assert.Equal(t, ClassInvalid, Classify(invalid))

	var ce *ClassifiedError
	assert.True(t, stderrors.As(transient, &ce))
	assert.Equal(t, "limiter", ce.Component)
	assert.Equal(t, "Allow", ce.Operation)

	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(stderrors.New("mystery")))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "invalid", ClassInvalid.String())
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "unknown", Class(99).String())
}

func TestRetryConfigShouldRetry(t *testing.T) {
	rc := DefaultRetryConfig()

	assert.True(t, rc.ShouldRetry(ErrPoolExhausted, 0))
	assert.True(t, rc.ShouldRetry(ErrRateLimited, 2))
	assert.False(t, rc.ShouldRetry(ErrRateLimited, 3), "attempt at MaxRetries stops")
	assert.False(t, rc.ShouldRetry(ErrInitializationFailed, 0), "fatal errors are not retried")
	assert.False(t, rc.ShouldRetry(nil, 0))
}

func TestToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    4,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 1.5,
	}

	cfg := rc.ToRetryConfig()
	assert.Equal(t, 5, cfg.MaxAttempts, "retries are counted beyond the first attempt")
	assert.Equal(t, 10*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, time.Second, cfg.MaxDelay)
	assert.True(t, cfg.AddJitter)
}
