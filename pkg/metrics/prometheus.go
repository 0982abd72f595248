package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	// Weight staging metrics
	weightsPublished prometheus.Counter
	transferDuration *prometheus.HistogramVec
	transferBytes    *prometheus.HistogramVec

	// Routing metrics
	routes        *prometheus.CounterVec
	routeDuration *prometheus.HistogramVec
	routeAttempts prometheus.Histogram

	// Replica health metrics
	stateTransitions *prometheus.CounterVec
	healthyReplicas  prometheus.Gauge

	// Buffer metrics
	trajectoriesPushed prometheus.Counter
	evictions          prometheus.Counter
	staleDiscarded     prometheus.Counter
	sampleBatchSize    prometheus.Histogram
	sampleDuration     prometheus.Histogram
	bufferSize         prometheus.Gauge

	policyVersion prometheus.Gauge

	// Placement metrics
	workerRestarts *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "rl_runtime"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	// Weight staging
	pc.weightsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weights_published_total",
			Help:      "Total number of weight snapshots staged for transfer",
		},
	)

	pc.transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weight_transfer_duration_seconds",
			Help:      "Duration of staging and redemption transfers",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)

	pc.transferBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weight_transfer_bytes",
			Help:      "Payload size of staged and redeemed snapshots",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"op"},
	)

	// Routing
	pc.routes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of route calls by outcome",
		},
		[]string{"status"},
	)

	pc.routeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "Duration of route calls including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pc.routeAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_attempts",
			Help:      "Dispatch attempts consumed per route call",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 16},
		},
	)

	// Replica health
	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_state_transitions_total",
			Help:      "Total number of replica health state transitions",
		},
		[]string{"replica", "from_state", "to_state"},
	)

	pc.healthyReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_replicas",
			Help:      "Current number of replicas in the eligible set",
		},
	)

	// Buffer
	pc.trajectoriesPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trajectories_pushed_total",
			Help:      "Total number of trajectories admitted to the buffer",
		},
	)

	pc.evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_evictions_total",
			Help:      "Total number of FIFO evictions at capacity",
		},
	)

	pc.staleDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_trajectories_discarded_total",
			Help:      "Total number of trajectories discarded for staleness during sampling",
		},
	)

	pc.sampleBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_batch_size",
			Help:      "Number of trajectories returned per sample call",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	pc.sampleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_duration_seconds",
			Help:      "Duration of sample calls including suspension",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pc.bufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Current number of buffered trajectories",
		},
	)

	pc.policyVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_version",
			Help:      "Most recently published policy version",
		},
	)

	// Placement
	pc.workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of crashed workers replaced by the placement layer",
		},
		[]string{"replica"},
	)

	// Register all metrics
	pc.registry.MustRegister(
		pc.weightsPublished,
		pc.transferDuration,
		pc.transferBytes,
		pc.routes,
		pc.routeDuration,
		pc.routeAttempts,
		pc.stateTransitions,
		pc.healthyReplicas,
		pc.trajectoriesPushed,
		pc.evictions,
		pc.staleDiscarded,
		pc.sampleBatchSize,
		pc.sampleDuration,
		pc.bufferSize,
		pc.policyVersion,
		pc.workerRestarts,
	)

	return pc
}

// statusLabel maps an error to a low-cardinality status label.
func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	if code := rl.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// WeightPublished records a snapshot staged for transfer
func (pc *PrometheusCollector) WeightPublished(version rl.PolicyVersion, sizeBytes int64, duration time.Duration) {
	pc.weightsPublished.Inc()
	pc.transferDuration.WithLabelValues("publish", "success").Observe(duration.Seconds())
	pc.transferBytes.WithLabelValues("publish").Observe(float64(sizeBytes))
	pc.policyVersion.Set(float64(version))
}

// WeightRedeemed records a bulk transfer attempt and its outcome
func (pc *PrometheusCollector) WeightRedeemed(sizeBytes int64, duration time.Duration, err error) {
	pc.transferDuration.WithLabelValues("redeem", statusLabel(err)).Observe(duration.Seconds())
	if err == nil {
		pc.transferBytes.WithLabelValues("redeem").Observe(float64(sizeBytes))
	}
}

// RouteCompleted records a route call, its attempt count, and outcome
func (pc *PrometheusCollector) RouteCompleted(attempts int, duration time.Duration, err error) {
	status := statusLabel(err)
	pc.routes.WithLabelValues(status).Inc()
	pc.routeDuration.WithLabelValues(status).Observe(duration.Seconds())
	if attempts > 0 {
		pc.routeAttempts.Observe(float64(attempts))
	}
}

// ReplicaStateTransition records a health state transition
func (pc *PrometheusCollector) ReplicaStateTransition(replica, fromState, toState string) {
	pc.stateTransitions.WithLabelValues(replica, fromState, toState).Inc()
}

// HealthyReplicas records the current size of the eligible set
func (pc *PrometheusCollector) HealthyReplicas(count int) {
	pc.healthyReplicas.Set(float64(count))
}

// TrajectoryPushed records a trajectory admitted to the buffer
func (pc *PrometheusCollector) TrajectoryPushed(version rl.PolicyVersion) {
	pc.trajectoriesPushed.Inc()
}

// BufferEvicted records a FIFO eviction at capacity
func (pc *PrometheusCollector) BufferEvicted() {
	pc.evictions.Inc()
}

// SampleCompleted records a sample call: entries returned and discarded
func (pc *PrometheusCollector) SampleCompleted(returned, discarded int, duration time.Duration) {
	pc.sampleBatchSize.Observe(float64(returned))
	pc.sampleDuration.Observe(duration.Seconds())
	if discarded > 0 {
		pc.staleDiscarded.Add(float64(discarded))
	}
}

// BufferSize records the current buffer occupancy
func (pc *PrometheusCollector) BufferSize(size int) {
	pc.bufferSize.Set(float64(size))
}

// PolicyVersion records the most recently published version
func (pc *PrometheusCollector) PolicyVersion(version rl.PolicyVersion) {
	pc.policyVersion.Set(float64(version))
}

// WorkerRestarted records a crashed worker being replaced
func (pc *PrometheusCollector) WorkerRestarted(replica string) {
	pc.workerRestarts.WithLabelValues(replica).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
