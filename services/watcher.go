package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/service"
)

// WatcherName is the name the file watcher service registers under.
const WatcherName = "watcher"

// WatcherConfig configures the workspace file watcher.
type WatcherConfig struct {
	// Paths are the directories to watch. At least one is required.
	Paths []string `json:"paths"`
}

// Watcher publishes a file-changed event for every filesystem change under
// the configured paths. The watch loop runs as a supervised background task
// so shutdown cancels it and waits for the watcher to close.
type Watcher struct {
	*service.BaseService

	cfg  WatcherConfig
	deps *service.Dependencies

	taskID string
}

// NewWatcher is the file watcher service constructor.
func NewWatcher(rawConfig json.RawMessage, deps *service.Dependencies) (service.Service, error) {
	var cfg WatcherConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "watcher", "New", "parsing config")
		}
	}
	if len(cfg.Paths) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "watcher", "New", "at least one path is required")
	}

	return &Watcher{
		BaseService: service.NewBaseService(WatcherName,
			service.WithBaseLogger(deps.Logger.With("service", WatcherName))),
		cfg:  cfg,
		deps: deps,
	}, nil
}

// Start opens the watcher, registers the configured paths, and spawns the
// watch loop.
func (w *Watcher) Start(_ context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapFatal(err, "watcher", "Start", "creating watcher")
	}

	for _, path := range w.cfg.Paths {
		if err := fsw.Add(path); err != nil {
			_ = fsw.Close()
			return errors.WrapFatal(err, "watcher", "Start", "watching "+path)
		}
	}

	id, err := w.deps.Tasks.Spawn("file-watch",
		func(ctx context.Context) error { return w.watch(ctx, fsw) },
		func() { _ = fsw.Close() },
	)
	if err != nil {
		_ = fsw.Close()
		return errors.Wrap(err, "watcher", "Start", "spawning watch loop")
	}

	w.taskID = id
	w.MarkStarted()
	w.Logger().Info("watching paths", "paths", w.cfg.Paths)
	return nil
}

// Stop cancels the watch loop and waits for the watcher to close.
func (w *Watcher) Stop(timeout time.Duration) error {
	w.MarkStopped()
	if w.taskID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.deps.Tasks.Cancel(ctx, w.taskID); err != nil {
		return errors.Wrap(err, "watcher", "Stop", "cancelling watch loop")
	}
	return nil
}

// watch translates filesystem notifications into bus events until cancelled.
func (w *Watcher) watch(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.deps.Bus.Publish(event.Event{
				Kind:   event.KindFileChanged,
				Source: WatcherName,
				Key:    evt.Name,
				Detail: map[string]any{"op": evt.Op.String()},
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.Logger().Warn("watch error", "error", err)
		}
	}
}
