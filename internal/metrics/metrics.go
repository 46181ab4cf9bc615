// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insightline"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	queueItems     *prometheus.CounterVec
	alertOutcomes  *prometheus.CounterVec
	alertErrors    prometheus.Counter
	alertSends     *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	inboundEvents  *prometheus.CounterVec
	queryDurations *prometheus.HistogramVec
}

// New creates a registry with the pipeline collectors plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Queue items processed, by result (completed, retried, failed).",
		}, []string{"result"}),
		alertOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_checks_total",
			Help:      "Alert evaluations, by outcome.",
		}, []string{"outcome"}),
		alertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_errors_total",
			Help:      "Alert evaluations that failed to execute their query.",
		}),
		alertSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_notifications_total",
			Help:      "Alert notification sends, by result (sent, failed).",
		}, []string{"result"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Language model calls, by result (ok, error).",
		}, []string{"result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Query tool invocations, by result (ok, error).",
		}, []string{"result"}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound webhook messages, by result (enqueued, ignored, error).",
		}, []string{"result"}),
		queryDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Analytical query latency, by caller (assistant, alert).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"caller"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueItems, m.alertOutcomes, m.alertErrors, m.alertSends,
		m.modelCalls, m.toolCalls, m.inboundEvents, m.queryDurations,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) QueueItem(result string) {
	if m != nil {
		m.queueItems.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AlertOutcome(outcome string) {
	if m != nil {
		m.alertOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AlertError() {
	if m != nil {
		m.alertErrors.Inc()
	}
}

func (m *Metrics) AlertSend(ok bool) {
	if m != nil {
		m.alertSends.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) ModelCall(ok bool) {
	if m != nil {
		m.modelCalls.WithLabelValues(okLabel(ok)).Inc()
	}
}

func (m *Metrics) ToolCall(ok bool) {
	if m != nil {
		m.toolCalls.WithLabelValues(okLabel(ok)).Inc()
	}
}

func (m *Metrics) Inbound(result string) {
	if m != nil {
		m.inboundEvents.WithLabelValues(result).Inc()
	}
}

// ObserveQuery records a query duration in seconds.
func (m *Metrics) ObserveQuery(caller string, seconds float64) {
	if m != nil {
		m.queryDurations.WithLabelValues(caller).Observe(seconds)
	}
}

func result(ok bool) string {
	if ok {
		return "sent"
	}
	return "failed"
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
