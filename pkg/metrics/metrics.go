package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry is shared by the server and worker processes.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EventsTotal, EventAppendDuration,
		BrokerAdvanceDuration, ExecutionsTotal,
		QueueDepth, LeasesTotal, RetriesTotal, DeadLetterTotal,
		PluginDuration, WorkerBusy,
	)
}

// EventsTotal counts persisted events by type.
var EventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_events_total",
		Help: "Persisted events by event_type",
	},
	[]string{"event_type"},
)

// EventAppendDuration measures event log append latency (seconds).
var EventAppendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "noetl_event_append_duration_seconds",
		Help:    "Event log append latency in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"backend"},
)

// BrokerAdvanceDuration measures one broker advance pass per execution (seconds).
var BrokerAdvanceDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "noetl_broker_advance_duration_seconds",
		Help:    "Broker advance pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
)

// ExecutionsTotal counts terminal executions by outcome.
var ExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_executions_total",
		Help: "Terminal executions by outcome",
	},
	[]string{"status"}, // complete | failed | cancelled
)

// QueueDepth tracks queue items by status.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "noetl_queue_depth",
		Help: "Queue items by status",
	},
	[]string{"status"},
)

// LeasesTotal counts granted leases.
var LeasesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_leases_total",
		Help: "Leases granted to workers",
	},
)

// RetriesTotal counts re-ready transitions after a retryable failure.
var RetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_retries_total",
		Help: "Queue items returned to ready after a retryable failure",
	},
)

// DeadLetterTotal counts items moved to the dead letter set.
var DeadLetterTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_dead_letter_total",
		Help: "Queue items marked dead after exhausting attempts",
	},
)

// PluginDuration measures plugin execution time by kind (seconds).
var PluginDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "noetl_plugin_duration_seconds",
		Help:    "Plugin execution time in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// WorkerBusy tracks in-flight jobs per worker.
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "noetl_worker_busy",
		Help: "Jobs currently executing per worker",
	},
	[]string{"worker_id"},
)

// WritePrometheus encodes the registry in text exposition format (for Hertz).
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
