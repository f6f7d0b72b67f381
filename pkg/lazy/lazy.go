// Package lazy provides a concurrency-safe, lazily initialized value cell.
//
// The first caller to request the value runs the constructor; concurrent
// callers block until that attempt completes and then share its outcome. The
// constructor runs at most once per attempt: a failure is cached and returned
// to every subsequent caller until the cell is explicitly reset.
package lazy

import (
	"context"
	"fmt"
	"sync"

	"github.com/keelframework/keel/errors"
)

// State describes the lifecycle of a Value.
type State int

const (
	// StateIdle means no initialization attempt has started.
	StateIdle State = iota
	// StateInitializing means an attempt is in flight.
	StateInitializing
	// StateReady means the value was constructed successfully.
	StateReady
	// StateFailed means the last attempt failed; the error is cached.
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Value is a double-checked lazy cell holding a value of type T.
type Value[T any] struct {
	construct func(ctx context.Context) (T, error)

	mu    sync.Mutex
	state State
	done  chan struct{}
	value T
	err   error
}

// New creates a lazy cell around the given constructor. The constructor must
// not be nil.
func New[T any](construct func(ctx context.Context) (T, error)) *Value[T] {
	return &Value[T]{construct: construct}
}

// Get returns the value, constructing it on first use. Exactly one caller
// runs the constructor; the rest block until it finishes and share the
// result. A cached failure is returned immediately without re-running the
// constructor. A waiter whose context expires gets a wait error; the in-flight
// attempt itself is unaffected.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	v.mu.Lock()

	switch v.state {
	case StateReady:
		val := v.value
		v.mu.Unlock()
		return val, nil

	case StateFailed:
		err := v.err
		v.mu.Unlock()
		var zero T
		return zero, err

	case StateInitializing:
		done := v.done
		v.mu.Unlock()
		return v.wait(ctx, done)
	}

	// Idle: this caller owns the attempt. The constructor runs outside the
	// lock so waiters and state inspection are never blocked behind it.
	v.state = StateInitializing
	v.done = make(chan struct{})
	done := v.done
	v.mu.Unlock()

	val, err := v.construct(ctx)

	v.mu.Lock()
	if err != nil {
		v.state = StateFailed
		v.err = errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrInitializationFailed, err),
			"lazy", "Get", "initialization")
	} else {
		v.state = StateReady
		v.value = val
	}
	close(done)
	result, resultErr := v.value, v.err
	v.mu.Unlock()

	return result, resultErr
}

// wait blocks until the in-flight attempt completes or ctx expires.
func (v *Value[T]) wait(ctx context.Context, done chan struct{}) (T, error) {
	select {
	case <-done:
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.state == StateReady {
			return v.value, nil
		}
		var zero T
		return zero, v.err

	case <-ctx.Done():
		var zero T
		return zero, errors.WrapTransient(errors.ErrWaitTimeout, "lazy", "Get", "waiting for initialization")
	}
}

// Peek returns the value without triggering initialization. The second return
// is true only when the cell is ready.
func (v *Value[T]) Peek() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateReady {
		return v.value, true
	}
	var zero T
	return zero, false
}

// Err returns the cached initialization error, or nil.
func (v *Value[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// State returns the current lifecycle state.
func (v *Value[T]) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Reset clears a cached outcome so the next Get runs the constructor again.
// It reports whether a reset happened; a cell with an attempt in flight is
// left alone.
func (v *Value[T]) Reset() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateInitializing || v.state == StateIdle {
		return v.state == StateIdle
	}

	v.state = StateIdle
	v.done = nil
	v.err = nil
	var zero T
	v.value = zero
	return true
}
