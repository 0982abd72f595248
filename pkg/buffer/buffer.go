// Package buffer provides the staleness-bounded trajectory buffer between
// the rollout and training loops.
//
// The buffer bounds two things at once: memory, by evicting the oldest entry
// when a push finds the buffer full, and staleness, by discarding entries at
// sample time whose generation version has fallen too far behind the current
// training version. Pushes never block; sampling suspends until a full batch
// of qualifying entries is available or a wait timeout elapses, then returns
// whatever qualified.
package buffer

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// DefaultSampleTimeout bounds how long one Sample call waits for a full
// batch before returning a partial one.
const DefaultSampleTimeout = 5 * time.Second

// VersionFunc reports the current training version. The buffer consults it
// at sample time to decide which entries are still fresh enough to train on;
// wire it to the staging channel's CurrentVersion.
type VersionFunc func() rl.PolicyVersion

type entry struct {
	trajectory rl.Trajectory
	admittedAt time.Time
}

// Buffer is a bounded FIFO of versioned trajectories. Safe for any number
// of concurrent pushers and a single sampling consumer.
type Buffer struct {
	mu    sync.Mutex
	ring  []entry
	head  int
	count int

	capacity       int
	stalenessBound int
	sampleTimeout  time.Duration
	versionFn      VersionFunc
	notify         chan struct{}
	metrics        metrics.Collector
	events         events.Publisher
	logger         *slog.Logger
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithStalenessBound sets the maximum allowed version lag. Zero means
// strict on-policy sampling.
func WithStalenessBound(bound int) Option {
	return func(b *Buffer) { b.stalenessBound = bound }
}

// WithSampleTimeout bounds how long Sample waits for a full batch.
func WithSampleTimeout(d time.Duration) Option {
	return func(b *Buffer) { b.sampleTimeout = d }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(b *Buffer) { b.metrics = collector }
}

// WithEvents attaches an event publisher for eviction and discard events.
func WithEvents(publisher events.Publisher) Option {
	return func(b *Buffer) { b.events = publisher }
}

// New creates a buffer holding at most capacity trajectories. versionFn
// must not be nil. Configuration errors are fatal.
func New(capacity int, versionFn VersionFunc, opts ...Option) (*Buffer, error) {
	if capacity < 1 {
		return nil, rl.ErrInvalidConfiguration("capacity", capacity, "must be at least 1")
	}
	if versionFn == nil {
		return nil, rl.ErrInvalidConfiguration("version_func", nil, "buffer requires a version source")
	}
	b := &Buffer{
		ring:           make([]entry, capacity),
		capacity:       capacity,
		stalenessBound: 1,
		sampleTimeout:  DefaultSampleTimeout,
		versionFn:      versionFn,
		notify:         make(chan struct{}, 1),
		metrics:        metrics.NewNoopCollector(),
		events:         events.NoopPublisher{},
		logger:         slog.Default().With("component", "trajectory-buffer"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.stalenessBound < 0 {
		return nil, rl.ErrInvalidConfiguration("staleness_bound", b.stalenessBound, "must be non-negative")
	}
	if b.sampleTimeout <= 0 {
		return nil, rl.ErrInvalidConfiguration("sample_timeout", b.sampleTimeout, "must be positive")
	}
	return b, nil
}

// Push admits a trajectory, evicting the oldest entry first if the buffer
// is full. It never blocks the producer.
func (b *Buffer) Push(t rl.Trajectory) {
	b.mu.Lock()
	evicted := false
	if b.count == b.capacity {
		b.popLocked()
		evicted = true
	}
	b.ring[(b.head+b.count)%b.capacity] = entry{trajectory: t, admittedAt: time.Now()}
	b.count++
	size := b.count
	b.mu.Unlock()

	if evicted {
		b.metrics.BufferEvicted()
		b.publishEvent(events.TypeBufferEvicted, map[string]string{"size": strconv.Itoa(size)})
	}
	b.metrics.TrajectoryPushed(t.Version)
	b.metrics.BufferSize(size)

	// Wake a suspended sampler; the buffered token coalesces bursts.
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Sample removes and returns up to batchSize of the oldest entries whose
// version is within the staleness bound of the current training version.
// Entries outside the bound are discarded as a side effect, never returned
// and never requeued.
//
// If fewer than batchSize qualifying entries are available, Sample suspends
// until enough arrive or the sample timeout elapses, then returns the
// partial (possibly empty) batch with a nil error. A cancelled context
// returns whatever was already collected alongside ctx.Err().
func (b *Buffer) Sample(ctx context.Context, batchSize int) ([]rl.Trajectory, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	start := time.Now()
	deadline := time.NewTimer(b.sampleTimeout)
	defer deadline.Stop()

	var batch []rl.Trajectory
	totalDiscarded := 0
	for {
		batch, totalDiscarded = b.collect(batch, batchSize, totalDiscarded)
		if len(batch) >= batchSize {
			b.finishSample(batch, totalDiscarded, start)
			return batch, nil
		}

		select {
		case <-b.notify:
		case <-deadline.C:
			b.finishSample(batch, totalDiscarded, start)
			return batch, nil
		case <-ctx.Done():
			b.finishSample(batch, totalDiscarded, start)
			return batch, ctx.Err()
		}
	}
}

// collect drains qualifying entries oldest-first under the lock, stopping
// once the batch is full. Stale entries encountered on the way are dropped.
func (b *Buffer) collect(batch []rl.Trajectory, batchSize, totalDiscarded int) ([]rl.Trajectory, int) {
	b.mu.Lock()
	current := b.versionFn()
	discarded := 0
	for b.count > 0 && len(batch) < batchSize {
		e := b.popLocked()
		if isStale(e.trajectory.Version, current, b.stalenessBound) {
			discarded++
			continue
		}
		batch = append(batch, e.trajectory)
	}
	size := b.count
	b.mu.Unlock()

	if discarded > 0 {
		b.logger.Debug("discarded stale trajectories",
			"discarded", discarded,
			"current_version", current,
			"staleness_bound", b.stalenessBound)
		b.publishEvent(events.TypeStaleDiscarded, map[string]string{
			"discarded":       strconv.Itoa(discarded),
			"current_version": strconv.FormatUint(uint64(current), 10),
		})
		b.metrics.BufferSize(size)
	}
	return batch, totalDiscarded + discarded
}

// isStale reports whether an entry generated at version v is outside the
// staleness bound relative to the current version. Phrased additively so
// unsigned arithmetic cannot underflow.
func isStale(v, current rl.PolicyVersion, bound int) bool {
	return v+rl.PolicyVersion(bound) < current
}

// Size returns the number of buffered entries.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the configured maximum size.
func (b *Buffer) Capacity() int {
	return b.capacity
}

func (b *Buffer) popLocked() entry {
	e := b.ring[b.head]
	b.ring[b.head] = entry{}
	b.head = (b.head + 1) % b.capacity
	b.count--
	return e
}

func (b *Buffer) finishSample(batch []rl.Trajectory, discarded int, start time.Time) {
	b.metrics.SampleCompleted(len(batch), discarded, time.Since(start))
	b.metrics.BufferSize(b.Size())
}

func (b *Buffer) publishEvent(eventType string, metadata map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.events.Publish(ctx, events.New(eventType, "trajectory-buffer", metadata)); err != nil {
		b.logger.Warn("failed to publish buffer event", "type", eventType, "error", err)
	}
}
