package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Submission metrics
	NotificationsSubmitted *prometheus.CounterVec
	RecipientsResolved     prometheus.Histogram

	// Dispatch metrics
	Deliveries      *prometheus.CounterVec
	DeliveryRetries *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	BatchesInFlight prometheus.Gauge

	// Queue metrics
	QueueDepth  prometheus.Gauge
	JobDuration prometheus.Histogram
	JobPanics   prometheus.Counter

	// Record store metrics
	RecordStoreOperations *prometheus.CounterVec
}

// NewMetrics creates all application metrics and registers them with reg.
// A nil reg registers with the default prometheus registry.
func NewMetrics(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		NotificationsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_submitted_total",
			Help:      "Total number of notification submissions by outcome",
		}, []string{"outcome"}),
		RecipientsResolved: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recipients_resolved",
			Help:      "Number of recipients resolved per submission",
			Buckets:   []float64{0, 1, 10, 50, 100, 250, 500, 1000, 5000},
		}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_total",
			Help:      "Total number of push deliveries by channel and result",
		}, []string{"channel", "result"}),
		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_retry_attempts_total",
			Help:      "Total number of retried push deliveries",
		}, []string{"channel"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_duration_seconds",
			Help:      "Time spent sending one recipient batch",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		BatchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_in_flight",
			Help:      "Current number of recipient batches being sent",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current number of dispatch jobs waiting in the queue",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_duration_seconds",
			Help:      "Time spent running one dispatch job",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		JobPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_panics_total",
			Help:      "Total number of dispatch jobs that panicked",
		}),

		RecordStoreOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "record_store_operations_total",
			Help:      "Total number of notification record store operations",
		}, []string{"operation", "status"}),
	}
}

// New creates metrics on a private registry, for tests and tools that
// must not collide with the process-wide collectors.
func New(namespace string) *Metrics {
	return NewMetrics(namespace, "", prometheus.NewRegistry())
}
