package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	intake          *prometheus.CounterVec
	published       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	resultsApplied  *prometheus.CounterVec
	retries         prometheus.Counter
	recovered       *prometheus.CounterVec
	telemetryDrops  prometheus.Counter
	telemetryErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyrelay_intake_total",
			Help: "Intake requests by result (accepted, duplicate, invalid, error).",
		}, []string{"result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyrelay_published_total",
			Help: "Messages published to the broker by exchange.",
		}, []string{"exchange"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyrelay_deliveries_total",
			Help: "Delivery attempts by channel and outcome.",
		}, []string{"channel", "status"}),
		resultsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyrelay_results_applied_total",
			Help: "Delivery results reconciled into messages, by status (stale results use status=stale).",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyrelay_retries_total",
			Help: "Retries dispatched by the retry scheduler.",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyrelay_recovered_total",
			Help: "Messages touched by the recovery sweep, by kind (republished, stale).",
		}, []string{"kind"}),
		telemetryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyrelay_telemetry_dropped_total",
			Help: "Log events dropped because the telemetry buffer was full.",
		}),
		telemetryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyrelay_telemetry_export_errors_total",
			Help: "Log events the telemetry exporter failed to publish.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.intake, m.published, m.deliveries, m.resultsApplied,
		m.retries, m.recovered, m.telemetryDrops, m.telemetryErrors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Intake(result string) {
	if m != nil {
		m.intake.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Published(exchange string) {
	if m != nil {
		m.published.WithLabelValues(exchange).Inc()
	}
}

func (m *Metrics) Delivery(channel, status string) {
	if m != nil {
		m.deliveries.WithLabelValues(channel, status).Inc()
	}
}

func (m *Metrics) ResultApplied(status string) {
	if m != nil {
		m.resultsApplied.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) Recovered(kind string) {
	if m != nil {
		m.recovered.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TelemetryDropped() {
	if m != nil {
		m.telemetryDrops.Inc()
	}
}

func (m *Metrics) TelemetryExportError() {
	if m != nil {
		m.telemetryErrors.Inc()
	}
}
