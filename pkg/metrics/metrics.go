// Package metrics defines the collector interface the runtime components
// report into, with a no-op default and a Prometheus implementation.
package metrics

import (
	"time"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// Collector defines the interface for collecting runtime metrics
type Collector interface {
	// WeightPublished records a snapshot staged for transfer
	WeightPublished(version rl.PolicyVersion, sizeBytes int64, duration time.Duration)

	// WeightRedeemed records a bulk transfer attempt and its outcome
	WeightRedeemed(sizeBytes int64, duration time.Duration, err error)

	// RouteCompleted records a route call, its attempt count, and outcome
	RouteCompleted(attempts int, duration time.Duration, err error)

	// ReplicaStateTransition records a health state transition for a replica
	ReplicaStateTransition(replica, fromState, toState string)

	// HealthyReplicas records the current size of the eligible set
	HealthyReplicas(count int)

	// TrajectoryPushed records a trajectory admitted to the buffer
	TrajectoryPushed(version rl.PolicyVersion)

	// BufferEvicted records a FIFO eviction at capacity
	BufferEvicted()

	// SampleCompleted records a sample call: entries returned and discarded
	SampleCompleted(returned, discarded int, duration time.Duration)

	// BufferSize records the current buffer occupancy
	BufferSize(size int)

	// PolicyVersion records the most recently published version
	PolicyVersion(version rl.PolicyVersion)

	// WorkerRestarted records a crashed worker being replaced
	WorkerRestarted(replica string)
}

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (n *noopCollector) WeightPublished(version rl.PolicyVersion, sizeBytes int64, duration time.Duration) {
}
func (n *noopCollector) WeightRedeemed(sizeBytes int64, duration time.Duration, err error) {}
func (n *noopCollector) RouteCompleted(attempts int, duration time.Duration, err error)   {}
func (n *noopCollector) ReplicaStateTransition(replica, fromState, toState string)        {}
func (n *noopCollector) HealthyReplicas(count int)                                        {}
func (n *noopCollector) TrajectoryPushed(version rl.PolicyVersion)                        {}
func (n *noopCollector) BufferEvicted()                                                   {}
func (n *noopCollector) SampleCompleted(returned, discarded int, duration time.Duration)  {}
func (n *noopCollector) BufferSize(size int)                                              {}
func (n *noopCollector) PolicyVersion(version rl.PolicyVersion)                           {}
func (n *noopCollector) WorkerRestarted(replica string)                                   {}

// NewNoopCollector creates a no-op metrics collector
func NewNoopCollector() Collector {
	return &noopCollector{}
}
