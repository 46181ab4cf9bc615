// Package api exposes the HTTP surface: the messaging webhook, the two
// periodic trigger endpoints, manual alert firing, health and metrics. It
// also builds the operator MCP server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/insightline/internal/alert"
	"github.com/kalambet/insightline/internal/fault"
	"github.com/kalambet/insightline/internal/inbound"
	"github.com/kalambet/insightline/internal/queue"
	"github.com/kalambet/insightline/internal/storage"
)

// Webhook bodies carry base64 media.
const maxWebhookBodySize = 25 << 20

// Receiver handles inbound webhooks.
type Receiver interface {
	Receive(ctx context.Context, instance string, evt inbound.Event) (inbound.Result, error)
}

// Drainer runs one queue pass.
type Drainer interface {
	Drain(ctx context.Context, batchSize int) (queue.Summary, error)
}

// Alerts evaluates and fires alerts.
type Alerts interface {
	CheckAll(ctx context.Context, now time.Time) (alert.Summary, error)
	TriggerNow(ctx context.Context, id string) (alert.Result, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the router's collaborators.
type Deps struct {
	Receiver   Receiver
	Queue      Drainer
	Alerts     Alerts
	Health     Pinger
	Metrics    http.Handler // optional
	CronSecret string
	BatchSize  int
	Now        func() time.Time
}

// NewRouter returns the service's http.Handler.
func NewRouter(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Post("/webhook/{instance}", handleWebhook(deps))
	r.Post("/webhook", handleWebhook(deps))

	r.Group(func(r chi.Router) {
		r.Use(SharedSecret(deps.CronSecret))
		r.Get("/cron/queue", handleDrain(deps))
		r.Post("/cron/queue", handleDrain(deps))
		r.Get("/cron/alerts", handleCheckAlerts(deps))
		r.Post("/cron/alerts", handleCheckAlerts(deps))
		r.Post("/alerts/{id}/trigger", handleTriggerAlert(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Ping(r.Context()); err != nil {
				httpError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		defer r.Body.Close()

		var evt inbound.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		instance := chi.URLParam(r, "instance")
		if instance == "" {
			instance = evt.Instance
		}

		res, err := deps.Receiver.Receive(r.Context(), instance, evt)
		if err != nil {
			slog.Error("webhook processing failed", "instance", instance, "error", err)
			httpError(w, statusFor(err), "api_error", "%s", fault.Reason(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleDrain(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A caller hanging up must not abort items mid-flight; the worker
		// bounds its own calls with timeouts.
		sum, err := deps.Queue.Drain(context.WithoutCancel(r.Context()), deps.BatchSize)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "drain failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleCheckAlerts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Alerts.CheckAll(r.Context(), deps.Now())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "alert check failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleTriggerAlert(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := deps.Alerts.TriggerNow(r.Context(), id)
		if err != nil {
			httpError(w, statusFor(err), "api_error", "triggering alert %s: %s", id, fault.Reason(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case fault.Is(err, fault.Validation), fault.Is(err, fault.Query):
		return http.StatusUnprocessableEntity
	case fault.Is(err, fault.Transport), fault.Is(err, fault.Auth):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
