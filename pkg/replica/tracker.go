package replica

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// Endpoint is the callable surface a replica registers with the tracker.
type Endpoint interface {
	Call(ctx context.Context, req any) (any, error)
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(ctx context.Context, req any) (any, error)

// Call invokes the function.
func (f EndpointFunc) Call(ctx context.Context, req any) (any, error) {
	return f(ctx, req)
}

// Descriptor is the tracker's view of one replica. Values are snapshots;
// only the tracker mutates the underlying record.
type Descriptor struct {
	// ID is the replica identity
	ID string

	// State is the current health state
	State State

	// ConsecutiveFailures counts failures since the last success
	ConsecutiveFailures int

	// LastSuccess is when the replica last completed a request
	LastSuccess time.Time

	// RegisteredAt is when this descriptor was created
	RegisteredAt time.Time
}

type trackedReplica struct {
	descriptor Descriptor
	endpoint   Endpoint
}

// Tracker maintains replica health. Safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	replicas   map[string]*trackedReplica
	order      []string
	thresholds Thresholds
	metrics    metrics.Collector
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithThresholds overrides the default demotion thresholds.
func WithThresholds(t Thresholds) TrackerOption {
	return func(tr *Tracker) { tr.thresholds = t }
}

// WithTrackerMetrics attaches a metrics collector.
func WithTrackerMetrics(collector metrics.Collector) TrackerOption {
	return func(tr *Tracker) { tr.metrics = collector }
}

// WithTrackerEvents attaches an event publisher for state transitions.
func WithTrackerEvents(publisher events.Publisher) TrackerOption {
	return func(tr *Tracker) { tr.events = publisher }
}

// NewTracker creates an empty tracker. Configuration errors are fatal.
func NewTracker(opts ...TrackerOption) (*Tracker, error) {
	t := &Tracker{
		replicas:   make(map[string]*trackedReplica),
		thresholds: DefaultThresholds(),
		metrics:    metrics.NewNoopCollector(),
		events:     events.NoopPublisher{},
		logger:     slog.Default().With("component", "replica-tracker"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.thresholds.Valid() {
		return nil, rl.ErrInvalidConfiguration("thresholds", t.thresholds,
			"suspect_after must be >= 1 and unhealthy_after must be greater")
	}
	return t, nil
}

// Register adds a replica with a fresh descriptor, replacing any existing
// record under the same identity. This is the only path back into the pool
// for an Unhealthy replica: a restarted worker re-announces itself and
// starts over with a zero failure count.
func (t *Tracker) Register(id string, endpoint Endpoint) error {
	if id == "" {
		return rl.ErrInvalidConfiguration("replica_id", id, "must not be empty")
	}
	if endpoint == nil {
		return rl.ErrInvalidConfiguration("endpoint", nil, "must not be nil")
	}

	t.mu.Lock()
	prev, existed := t.replicas[id]
	t.replicas[id] = &trackedReplica{
		descriptor: Descriptor{
			ID:           id,
			State:        StateHealthy,
			RegisteredAt: t.now(),
		},
		endpoint: endpoint,
	}
	if !existed {
		t.order = append(t.order, id)
	}
	healthy := t.eligibleLocked()
	t.mu.Unlock()

	t.metrics.HealthyReplicas(len(healthy))
	if existed && prev.descriptor.State == StateUnhealthy {
		t.metrics.ReplicaStateTransition(id, StateUnhealthy.String(), StateHealthy.String())
		t.publishEvent(events.TypeReplicaRecovered, id, map[string]string{
			"previous_failures": strconv.Itoa(prev.descriptor.ConsecutiveFailures),
		})
		t.logger.Info("replica recovered via re-registration", "replica", id)
	} else {
		t.publishEvent(events.TypeReplicaRegistered, id, nil)
		t.logger.Info("replica registered", "replica", id)
	}
	return nil
}

// Deregister removes a replica entirely.
func (t *Tracker) Deregister(id string) error {
	t.mu.Lock()
	if _, ok := t.replicas[id]; !ok {
		t.mu.Unlock()
		return rl.ErrUnknownReplica(id)
	}
	delete(t.replicas, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	healthy := t.eligibleLocked()
	t.mu.Unlock()

	t.metrics.HealthyReplicas(len(healthy))
	t.publishEvent(events.TypeReplicaDeregistered, id, nil)
	t.logger.Info("replica deregistered", "replica", id)
	return nil
}

// ReportSuccess records a completed request.
func (t *Tracker) ReportSuccess(id string) error {
	return t.report(id, true, "")
}

// ReportFailure records a failed or timed-out request.
func (t *Tracker) ReportFailure(id string, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return t.report(id, false, msg)
}

func (t *Tracker) report(id string, success bool, reason string) error {
	t.mu.Lock()
	r, ok := t.replicas[id]
	if !ok {
		t.mu.Unlock()
		return rl.ErrUnknownReplica(id)
	}
	from := r.descriptor.State
	next, failures := t.thresholds.Next(from, r.descriptor.ConsecutiveFailures, success)
	r.descriptor.State = next
	r.descriptor.ConsecutiveFailures = failures
	if success && next == StateHealthy {
		r.descriptor.LastSuccess = t.now()
	}
	healthy := t.eligibleLocked()
	t.mu.Unlock()

	if next == from {
		return nil
	}

	t.metrics.ReplicaStateTransition(id, from.String(), next.String())
	t.metrics.HealthyReplicas(len(healthy))
	switch next {
	case StateSuspected:
		t.publishEvent(events.TypeReplicaSuspected, id, map[string]string{"reason": reason})
		t.logger.Warn("replica suspected", "replica", id, "reason", reason)
	case StateUnhealthy:
		t.publishEvent(events.TypeReplicaUnhealthy, id, map[string]string{
			"reason":               reason,
			"consecutive_failures": strconv.Itoa(failures),
		})
		t.logger.Warn("replica removed from pool", "replica", id, "consecutive_failures", failures)
	case StateHealthy:
		t.logger.Info("replica back to healthy", "replica", id)
	}
	return nil
}

// Eligible returns the identities currently eligible for dispatch, in
// registration order.
func (t *Tracker) Eligible() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.eligibleLocked()
}

func (t *Tracker) eligibleLocked() []string {
	eligible := make([]string, 0, len(t.order))
	for _, id := range t.order {
		if r, ok := t.replicas[id]; ok && r.descriptor.State.Eligible() {
			eligible = append(eligible, id)
		}
	}
	return eligible
}

// Get returns a snapshot of one replica's descriptor.
func (t *Tracker) Get(id string) (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.replicas[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.descriptor, true
}

// List returns descriptor snapshots for all registered replicas, sorted by
// identity for stable output.
func (t *Tracker) List() []Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Descriptor, 0, len(t.replicas))
	for _, r := range t.replicas {
		out = append(out, r.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered replicas in any state.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.replicas)
}

// endpointOf returns the registered endpoint for a replica.
func (t *Tracker) endpointOf(id string) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.replicas[id]
	if !ok {
		return nil, false
	}
	return r.endpoint, true
}

func (t *Tracker) publishEvent(eventType, id string, metadata map[string]string) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["replica"] = id
	event := events.New(eventType, "replica-tracker", metadata)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.events.Publish(ctx, event); err != nil {
		t.logger.Warn("failed to publish replica event", "type", eventType, "error", err)
	}
}
