package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/health"
	"github.com/keelframework/keel/service"
)

// WebhookName is the name the webhook listener registers under.
const WebhookName = "webhook"

// WebhookConfig configures the inbound HTTP listener.
type WebhookConfig struct {
	// Port the listener binds to. Defaults to 8080; 0 binds an ephemeral
	// port.
	Port int `json:"port"`
}

// Webhook is the process's inbound HTTP surface: health probes, the service
// status map, the audit event feed, and the Prometheus scrape endpoint.
type Webhook struct {
	*service.BaseService

	cfg  WebhookConfig
	deps *service.Dependencies

	server   *http.Server
	listener net.Listener
}

// NewWebhook is the webhook listener constructor.
func NewWebhook(rawConfig json.RawMessage, deps *service.Dependencies) (service.Service, error) {
	cfg := WebhookConfig{Port: 8080}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "webhook", "New", "parsing config")
		}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "webhook", "New",
			fmt.Sprintf("port %d out of range", cfg.Port))
	}

	return &Webhook{
		BaseService: service.NewBaseService(WebhookName,
			service.WithBaseLogger(deps.Logger.With("service", WebhookName))),
		cfg:  cfg,
		deps: deps,
	}, nil
}

// Start binds the listener and serves requests on a background goroutine.
func (w *Webhook) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", w.cfg.Port))
	if err != nil {
		return errors.WrapFatal(err, "webhook", "Start", fmt.Sprintf("binding port %d", w.cfg.Port))
	}

	w.listener = listener
	w.server = &http.Server{
		Handler:           w.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := w.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			w.Logger().Error("listener failed", "error", err)
		}
	}()

	w.MarkStarted()
	w.Logger().Info("listening", "address", w.Address())
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests up to the
// timeout.
func (w *Webhook) Stop(timeout time.Duration) error {
	w.MarkStopped()
	if w.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "webhook", "Stop", "shutting down listener")
	}
	return nil
}

// Address returns the bound address, useful when the configured port is 0 in
// tests.
func (w *Webhook) Address() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func (w *Webhook) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", w.handleHealth)
	mux.HandleFunc("GET /healthz", w.handleHealthz)
	mux.HandleFunc("GET /readyz", w.handleReadyz)
	mux.HandleFunc("GET /status", w.handleStatus)
	mux.HandleFunc("GET /events", w.handleEvents)

	if w.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			w.deps.Metrics.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	}
	return mux
}

// handleHealth returns the aggregated health of every component.
func (w *Webhook) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	aggregate := w.deps.Health.AggregateHealth("keel")
	code := http.StatusOK
	if aggregate.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(rw, code, aggregate)
}

// handleHealthz is the liveness probe: the process is up.
func (w *Webhook) handleHealthz(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("OK"))
}

// handleReadyz is the readiness probe: every non-optional service is ready.
func (w *Webhook) handleReadyz(rw http.ResponseWriter, _ *http.Request) {
	for _, info := range w.deps.Manager.List() {
		if info.Optional {
			continue
		}
		if info.State != service.StateReady {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{
				"status":  "not ready",
				"service": info.Name,
				"state":   info.StateName,
			})
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStatus returns the full service state map.
func (w *Webhook) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"services": w.deps.Manager.List(),
		"states":   w.deps.Manager.States(),
		"tasks":    w.deps.Tasks.Running(),
		"events": map[string]int64{
			"published": w.deps.Bus.Published(),
			"dropped":   w.deps.Bus.Dropped(),
		},
	})
}

// handleEvents returns the audit log since an optional RFC 3339 "since"
// query parameter, defaulting to the last hour.
func (w *Webhook) handleEvents(rw http.ResponseWriter, r *http.Request) {
	svc, err := w.deps.Manager.Get(r.Context(), StorageName)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}
	store, ok := svc.(*Storage)
	if !ok {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "storage misconfigured"})
		return
	}

	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		since = parsed
	}

	events, err := store.EventsSince(r.Context(), since)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(rw http.ResponseWriter, code int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(body)
}
