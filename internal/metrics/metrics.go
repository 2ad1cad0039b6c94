// Package metrics exposes the prometheus gauges/counters/histograms Sink's
// resource process reports: queue depth, pipeline throughput, replay lag,
// and query latency (SPEC_FULL.md §1.1). Naming and registration follow
// pkg/metrics/metrics.go in the teacher repository (warren_<component>_
// <metric> became sink_<component>_<metric>); the Timer helper is carried
// over unchanged.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the number of unreplayed entries in each durable
	// command queue, labeled by queue name ("userqueue"/"synchronizerqueue").
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_queue_depth",
			Help: "Number of entries past replayedRevision in a command queue",
		},
		[]string{"queue"},
	)

	// CommandsProcessedTotal counts pipeline commands applied, labeled by
	// the queue the batch came from (the "command" label carries
	// "userqueue"/"synchronizerqueue") and outcome.
	CommandsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_commands_processed_total",
			Help: "Total number of commands applied by the pipeline",
		},
		[]string{"command", "outcome"},
	)

	// PipelineBatchDuration measures the wall-clock time to apply and
	// commit one command-processor batch.
	PipelineBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sink_pipeline_batch_duration_seconds",
			Help:    "Time taken to apply and commit one pipeline batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PipelineBatchSize records how many commands landed in each committed
	// batch (at most the command processor's BatchSize).
	PipelineBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sink_pipeline_batch_size",
			Help:    "Number of commands committed in one pipeline batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// MaxRevision mirrors the entity environment's maxRevision, labeled by
	// resource id, for dashboards tracking write volume per resource.
	MaxRevision = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_max_revision",
			Help: "Current maxRevision of a resource's entity environment",
		},
		[]string{"resource"},
	)

	// ReplayLag is maxRevision - lastReplayedRevision, the outbound replay
	// backlog the change-replay engine has yet to push to the source.
	ReplayLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_replay_lag",
			Help: "Revisions not yet replayed to the source",
		},
		[]string{"resource"},
	)

	// ReplayAttemptsTotal counts change-replay attempts, labeled by outcome
	// (success/transient_failure/permanent_failure).
	ReplayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_replay_attempts_total",
			Help: "Total number of outbound replay attempts",
		},
		[]string{"outcome"},
	)

	// SynchronizationDuration measures one Synchronization SyncRequest's
	// execution time.
	SynchronizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sink_synchronization_duration_seconds",
			Help:    "Time taken to execute one inbound Synchronization request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QueryLatency measures query executor runs, labeled by query kind
	// ("initial"/"incremental").
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_query_latency_seconds",
			Help:    "Time taken to execute a query pipeline run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// ConnectedClients reports the number of currently connected client
	// channel sockets for a resource.
	ConnectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_connected_clients",
			Help: "Number of client sockets currently connected to a resource",
		},
		[]string{"resource"},
	)

	// ResourceStatus mirrors the synchronizer's status stack value (spec
	// §4.8) as a gauge: 0=NoStatus,1=Connected,2=Offline,3=Busy,4=Error.
	ResourceStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sink_resource_status",
			Help: "Current synchronizer status (0=NoStatus,1=Connected,2=Offline,3=Busy,4=Error)",
		},
		[]string{"resource"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(CommandsProcessedTotal)
	prometheus.MustRegister(PipelineBatchDuration)
	prometheus.MustRegister(PipelineBatchSize)
	prometheus.MustRegister(MaxRevision)
	prometheus.MustRegister(ReplayLag)
	prometheus.MustRegister(ReplayAttemptsTotal)
	prometheus.MustRegister(SynchronizationDuration)
	prometheus.MustRegister(QueryLatency)
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(ResourceStatus)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations, unchanged from the teacher's
// pkg/metrics.Timer.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
