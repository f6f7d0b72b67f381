// Package task provides supervised background goroutines. Every task is
// spawned with a cleanup function that is guaranteed to run exactly once
// when the task ends, whatever the reason: normal completion, failure,
// panic, cancellation, or shutdown.
package task

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/metric"
)

// State describes where a task is in its lifecycle.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Record is a snapshot of one task's bookkeeping.
type Record struct {
	ID         string
	Name       string
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

type task struct {
	id        string
	name      string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu         sync.Mutex
	state      State
	err        error
	finishedAt time.Time
}

func (t *task) snapshot() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Record{
		ID:         t.id,
		Name:       t.name,
		State:      t.state,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Err:        t.err,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents publishes a task-failed event whenever a task ends in failure.
func WithEvents(bus *event.Bus, source string) Option {
	return func(s *Supervisor) {
		if bus != nil {
			s.bus = bus
			s.source = source
		}
	}
}

// WithMetrics records task counts in the registry's core metrics.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Supervisor) {
		if registry != nil {
			s.metrics = registry.Core
		}
	}
}

// Supervisor tracks background tasks so shutdown can cancel them, wait for
// their cleanup, and report any that refuse to stop.
type Supervisor struct {
	logger  *slog.Logger
	bus     *event.Bus
	source  string
	metrics *metric.CoreMetrics

	mu       sync.Mutex
	tasks    map[string]*task
	shutdown bool
}

// NewSupervisor creates a task supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger: slog.Default(),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts run on its own goroutine under a task-scoped context and
// returns the task's ID. cleanup always runs exactly once after run returns;
// requiring it here is what makes resource leaks on the task path impossible
// to write. A panicking run is recorded as a failure, not a crash.
func (s *Supervisor) Spawn(name string, run func(ctx context.Context) error, cleanup func()) (string, error) {
	if run == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "task", "Spawn", "run function is required")
	}
	if cleanup == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "task", "Spawn", "cleanup function is required")
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", errors.WrapFatal(errors.ErrShutdownInProgress, "task", "Spawn", "spawning "+name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:        uuid.New().String(),
		name:      name,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		state:     StateRunning,
	}
	s.tasks[t.id] = t
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordTaskStarted()
	}
	s.logger.Debug("task started", "task", name, "id", t.id)

	go s.execute(ctx, t, run, cleanup)

	return t.id, nil
}

// execute runs the task body, runs cleanup, and only then settles the
// record. The record leaves StateRunning strictly after cleanup has
// finished, so Prune, Running, and Shutdown never treat a task with an
// in-flight cleanup as done.
func (s *Supervisor) execute(ctx context.Context, t *task, run func(ctx context.Context) error, cleanup func()) {
	defer close(t.done)

	err := s.runRecovering(ctx, t, run)
	s.runCleanup(t, cleanup)

	t.mu.Lock()
	t.finishedAt = time.Now()
	switch {
	case err == nil:
		t.state = StateCompleted
	case ctx.Err() != nil && isContextError(err):
		t.state = StateCancelled
		t.err = errors.Wrap(errors.ErrTaskCancelled, "task", "execute", t.name)
	default:
		t.state = StateFailed
		t.err = err
	}
	state := t.state
	taskErr := t.err
	t.mu.Unlock()

	switch state {
	case StateCompleted:
		s.logger.Debug("task completed", "task", t.name, "id", t.id)
	case StateCancelled:
		s.logger.Debug("task cancelled", "task", t.name, "id", t.id)
	case StateFailed:
		s.logger.Error("task failed", "task", t.name, "id", t.id, "error", taskErr)
		if s.bus != nil {
			s.bus.Publish(event.Event{
				Kind:   event.KindTaskFailed,
				Source: s.source,
				Key:    t.id,
				Detail: map[string]any{"task": t.name, "error": taskErr.Error()},
			})
		}
	}

	if s.metrics != nil {
		s.metrics.RecordTaskFinished(string(state))
	}
}

// runRecovering converts a panic in the task body into an ordinary failure.
func (s *Supervisor) runRecovering(ctx context.Context, t *task, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(
				fmt.Errorf("%w: panic: %v", errors.ErrTaskFailed, r),
				"task", "execute", t.name)
		}
	}()
	return run(ctx)
}

// runCleanup contains a panicking cleanup so the record still settles and
// the done channel still closes.
func (s *Supervisor) runCleanup(t *task, cleanup func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task cleanup panicked", "task", t.name, "id", t.id, "panic", r)
		}
	}()
	cleanup()
}

// isContextError reports whether a task error is just the cancellation
// surfacing, as opposed to a real failure.
func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// Cancel requests cancellation of a task and waits for its cleanup to
// finish, bounded by ctx.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrTaskNotFound, "task", "Cancel", id)
	}

	t.cancel()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrWaitTimeout, "task", "Cancel", "waiting for cleanup of "+t.name)
	}
}

// Wait blocks until a task finishes, bounded by ctx, and returns the task's
// terminal error if any.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrTaskNotFound, "task", "Wait", id)
	}

	select {
	case <-t.done:
		return t.snapshot().Err
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrWaitTimeout, "task", "Wait", "waiting for "+t.name)
	}
}

// Get returns the record for a task.
func (s *Supervisor) Get(id string) (Record, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Record{}, errors.WrapInvalid(errors.ErrTaskNotFound, "task", "Get", id)
	}
	return t.snapshot(), nil
}

// List returns snapshots of every tracked task, running or finished.
func (s *Supervisor) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]Record, 0, len(s.tasks))
	for _, t := range s.tasks {
		records = append(records, t.snapshot())
	}
	return records
}

// Running returns the number of tasks still running.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.snapshot().State == StateRunning {
			n++
		}
	}
	return n
}

// Prune drops the records of finished tasks.
func (s *Supervisor) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.snapshot().State != StateRunning {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

// Shutdown cancels every running task and waits up to grace for them to
// finish. Tasks still running afterwards are logged by name as leaks and an
// error is returned. No new tasks can be spawned once Shutdown begins.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	s.shutdown = true
	running := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.snapshot().State == StateRunning {
			running = append(running, t)
		}
	}
	s.mu.Unlock()

	for _, t := range running {
		t.cancel()
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for _, t := range running {
		select {
		case <-t.done:
		case <-ctx.Done():
			return s.reportLeaks(running)
		case <-deadline.C:
			return s.reportLeaks(running)
		}
	}

	s.logger.Info("all background tasks stopped", "count", len(running))
	return nil
}

// reportLeaks logs every task that outlived the grace period.
func (s *Supervisor) reportLeaks(running []*task) error {
	leaked := 0
	for _, t := range running {
		select {
		case <-t.done:
		default:
			leaked++
			s.logger.Warn("task leaked past shutdown grace",
				"task", t.name,
				"id", t.id,
				"running_for", time.Since(t.startedAt))
		}
	}
	return errors.WrapTransient(
		fmt.Errorf("%w: %d tasks still running", errors.ErrShutdownInProgress, leaked),
		"task", "Shutdown", "waiting for tasks")
}
