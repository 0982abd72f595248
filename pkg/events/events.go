// Package events carries structured observability events out of the
// runtime: trajectory completions, weight publications, replica state
// transitions, retry exhaustion. Sinks are best-effort; core correctness
// never depends on a publisher being available.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the runtime:
//   - trajectory.completed: rollout loop scored and buffered a trajectory
//   - weights.published: training loop staged a new snapshot (metadata carries the handle)
//   - weights.redeemed: a reader pulled the staged snapshot
//   - replica.registered: a replica joined the eligible set
//   - replica.deregistered: a replica was explicitly removed
//   - replica.suspected: first consecutive failure observed
//   - replica.unhealthy: replica removed from the eligible set
//   - replica.recovered: re-registration after a crash restart
//   - route.exhausted: a route call spent its whole retry budget
//   - buffer.evicted: FIFO eviction at capacity
//   - buffer.stale_discarded: entries dropped for staleness during sampling
//   - worker.crashed: placement observed a worker failure
//   - worker.restarted: placement restarted a crashed worker
//   - loop.started / loop.stopped: loop lifecycle
const (
	TypeTrajectoryCompleted = "trajectory.completed"
	TypeWeightsPublished    = "weights.published"
	TypeWeightsRedeemed     = "weights.redeemed"
	TypeReplicaRegistered   = "replica.registered"
	TypeReplicaDeregistered = "replica.deregistered"
	TypeReplicaSuspected    = "replica.suspected"
	TypeReplicaUnhealthy    = "replica.unhealthy"
	TypeReplicaRecovered    = "replica.recovered"
	TypeRouteExhausted      = "route.exhausted"
	TypeBufferEvicted       = "buffer.evicted"
	TypeStaleDiscarded      = "buffer.stale_discarded"
	TypeWorkerCrashed       = "worker.crashed"
	TypeWorkerRestarted     = "worker.restarted"
	TypeLoopStarted         = "loop.started"
	TypeLoopStopped         = "loop.stopped"
)

// Event is one structured observability record.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds an event with a fresh ID and the current timestamp.
func New(eventType, source string, metadata map[string]string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Publisher delivers events to a sink.
//
// Publish returns an error if the event could not be delivered; callers
// treat delivery as best-effort and must not fail their own operation on a
// publish error.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// NoopPublisher discards all events. It is the default sink.
type NoopPublisher struct{}

// Publish does nothing
func (NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }

// Close does nothing
func (NoopPublisher) Close(ctx context.Context) error { return nil }

// LogPublisher writes every event as a structured log line.
type LogPublisher struct{}

// Publish logs the event through the default slog logger
func (l *LogPublisher) Publish(ctx context.Context, event Event) error {
	slog.Info("runtime event",
		"event_id", event.ID,
		"type", event.Type,
		"source", event.Source,
		"metadata", event.Metadata)
	return nil
}

// Close does nothing
func (l *LogPublisher) Close(ctx context.Context) error { return nil }

// MultiPublisher fans one event out to several sinks.
type MultiPublisher struct {
	sinks []Publisher
}

// NewMultiPublisher combines publishers into one
func NewMultiPublisher(sinks ...Publisher) *MultiPublisher {
	return &MultiPublisher{sinks: sinks}
}

// Publish delivers to every sink, returning the first error after trying all
func (m *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink, returning the first error after trying all
func (m *MultiPublisher) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compile-time interface compliance checks
var (
	_ Publisher = NoopPublisher{}
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*MultiPublisher)(nil)
)
