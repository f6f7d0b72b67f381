package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/pkg/retry"
	"github.com/keelframework/keel/service"
)

// NotifierName is the name the event notifier registers under.
const NotifierName = "notifier"

// NotifierConfig configures the outbound event notifier.
type NotifierConfig struct {
	// URL receives a POST with the JSON-encoded event for every matching
	// bus event.
	URL string `json:"url"`

	// Kinds filters which event kinds are forwarded. Empty means all.
	Kinds []string `json:"kinds"`

	// Timeout bounds each delivery attempt. Defaults to 10s.
	Timeout time.Duration `json:"timeout"`
}

// UnmarshalJSON accepts durations as strings ("10s") as well as integer
// nanoseconds.
func (c *NotifierConfig) UnmarshalJSON(data []byte) error {
	type Alias NotifierConfig

	aux := &struct {
		Timeout json.RawMessage `json:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Timeout) > 0 {
		timeout, err := parseDurationField(aux.Timeout, "timeout")
		if err != nil {
			return err
		}
		c.Timeout = timeout
	}
	return nil
}

// Notifier forwards bus events to an external HTTP endpoint. Deliveries are
// retried briefly; an event that cannot be delivered is logged and dropped
// rather than blocking the subscription.
type Notifier struct {
	*service.BaseService

	cfg    NotifierConfig
	deps   *service.Dependencies
	client *http.Client

	taskIDs []string
}

// NewNotifier is the event notifier constructor.
func NewNotifier(rawConfig json.RawMessage, deps *service.Dependencies) (service.Service, error) {
	cfg := NotifierConfig{Timeout: 10 * time.Second}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "notifier", "New", "parsing config")
		}
	}
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "notifier", "New", "url is required")
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []string{string(event.KindAny)}
	}

	return &Notifier{
		BaseService: service.NewBaseService(NotifierName,
			service.WithBaseLogger(deps.Logger.With("service", NotifierName))),
		cfg:    cfg,
		deps:   deps,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Start subscribes to the configured kinds and spawns one forwarding loop
// per subscription.
func (w *Notifier) Start(_ context.Context) error {
	for _, kind := range w.cfg.Kinds {
		sub := w.deps.Bus.Subscribe(event.Kind(kind))
		if sub == nil {
			return errors.WrapFatal(errors.ErrShutdownInProgress, "notifier", "Start", "bus is closed")
		}

		id, err := w.deps.Tasks.Spawn("notify-"+kind,
			func(ctx context.Context) error { return w.forward(ctx, sub) },
			sub.Close,
		)
		if err != nil {
			sub.Close()
			return errors.Wrap(err, "notifier", "Start", "spawning forwarder for "+kind)
		}
		w.taskIDs = append(w.taskIDs, id)
	}

	w.MarkStarted()
	w.Logger().Info("forwarding events", "url", w.cfg.URL, "kinds", w.cfg.Kinds)
	return nil
}

// Stop cancels the forwarding loops.
func (w *Notifier) Stop(timeout time.Duration) error {
	w.MarkStopped()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	for _, id := range w.taskIDs {
		if err := w.deps.Tasks.Cancel(ctx, id); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "notifier", "Stop", "cancelling forwarder")
		}
	}
	return firstErr
}

// forward drains a subscription, delivering each event until cancelled.
func (w *Notifier) forward(ctx context.Context, sub *event.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := w.deliver(ctx, evt); err != nil {
				w.Logger().Warn("event delivery failed",
					"kind", evt.Kind, "key", evt.Key, "error", err)
			}
		}
	}
}

// deliver POSTs one event, retrying transient failures briefly.
func (w *Notifier) deliver(ctx context.Context, evt event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.WrapInvalid(err, "notifier", "deliver", "encoding event")
	}

	return retry.Do(ctx, retry.Quick(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			err := fmt.Errorf("endpoint returned %s", resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
}
