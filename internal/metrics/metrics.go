// Package metrics exposes Prometheus instrumentation for the registry core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trust & liveness core.
type Metrics struct {
	// Probe metrics
	ProbesTotal          *prometheus.CounterVec
	ProbeDurationSeconds prometheus.Histogram

	// Verification metrics
	VerificationsStarted   prometheus.Counter
	VerificationsCompleted *prometheus.CounterVec
	ChecksTotal            *prometheus.CounterVec

	// Webhook metrics
	EventsTriggeredTotal    *prometheus.CounterVec
	DeliveriesTotal         *prometheus.CounterVec
	DeliveryRetriesTotal    prometheus.Counter
	DeliveryDurationSeconds prometheus.Histogram

	// Queue gauges
	QueueScheduled prometheus.Gauge
	QueueReady     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_probes_total",
				Help: "Total number of health probes by result",
			},
			[]string{"result"},
		),
		ProbeDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_probe_duration_seconds",
				Help:    "Health probe latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		VerificationsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_verifications_started_total",
				Help: "Total number of verification requests created",
			},
		),
		VerificationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_verifications_completed_total",
				Help: "Total number of finished verification requests by outcome",
			},
			[]string{"status"},
		),
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_verification_checks_total",
				Help: "Total number of executed verification checks by type and outcome",
			},
			[]string{"type", "status"},
		),
		EventsTriggeredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_events_triggered_total",
				Help: "Total number of webhook events fired",
			},
			[]string{"event"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_webhook_deliveries_total",
				Help: "Total number of finished webhook delivery attempts by outcome",
			},
			[]string{"status"},
		),
		DeliveryRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_webhook_delivery_retries_total",
				Help: "Total number of webhook deliveries rescheduled for retry",
			},
		),
		DeliveryDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_webhook_delivery_duration_seconds",
				Help:    "Webhook POST latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueScheduled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_queue_scheduled_tasks",
				Help: "Number of tasks waiting in the work queue",
			},
		),
		QueueReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_queue_ready_tasks",
				Help: "Number of tasks whose run time has arrived",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ProbesTotal,
		m.ProbeDurationSeconds,
		m.VerificationsStarted,
		m.VerificationsCompleted,
		m.ChecksTotal,
		m.EventsTriggeredTotal,
		m.DeliveriesTotal,
		m.DeliveryRetriesTotal,
		m.DeliveryDurationSeconds,
		m.QueueScheduled,
		m.QueueReady,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP handler serving the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProbe records a probe outcome.
func (m *Metrics) ObserveProbe(up bool, seconds float64) {
	result := "down"
	if up {
		result = "up"
	}
	m.ProbesTotal.WithLabelValues(result).Inc()
	m.ProbeDurationSeconds.Observe(seconds)
}
