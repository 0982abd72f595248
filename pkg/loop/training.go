package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/allenwang28/monarch-rl-examples/pkg/buffer"
	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
	"github.com/allenwang28/monarch-rl-examples/pkg/staging"
)

const (
	// DefaultBatchSize is how many trajectories one update consumes.
	DefaultBatchSize = 8

	// DefaultTrainingBackoff is the wait after a failed update or publish.
	DefaultTrainingBackoff = 200 * time.Millisecond
)

// TrainingLoop drives learning: it samples scored trajectories, computes
// the next weights, and publishes them through the staging channel. It is
// the sole writer of the policy version, which it increments exactly once
// per completed update.
//
// An empty sample (nothing admitted before the buffer's timeout) skips the
// update entirely; the version does not move. A failed update or a
// transiently failed publish abandons that step: the loop keeps its last
// published weights and recomputes from a fresh batch, so the published
// version history stays contiguous.
type TrainingLoop struct {
	name      string
	channel   *staging.Channel
	buffer    *buffer.Buffer
	updater   Updater
	initial   *rl.Snapshot
	batchSize int
	backoff   time.Duration

	published atomic.Uint64
	stepsDone atomic.Int64

	metrics metrics.Collector
	events  events.Publisher
	logger  *slog.Logger
}

// TrainingOption configures a TrainingLoop.
type TrainingOption func(*TrainingLoop)

// WithTrainingName labels the loop in logs and lifecycle events.
func WithTrainingName(name string) TrainingOption {
	return func(l *TrainingLoop) { l.name = name }
}

// WithBatchSize sets how many trajectories one update consumes.
func WithBatchSize(n int) TrainingOption {
	return func(l *TrainingLoop) { l.batchSize = n }
}

// WithTrainingBackoff sets the wait after a failed step.
func WithTrainingBackoff(d time.Duration) TrainingOption {
	return func(l *TrainingLoop) { l.backoff = d }
}

// WithTrainingMetrics attaches a metrics collector.
func WithTrainingMetrics(collector metrics.Collector) TrainingOption {
	return func(l *TrainingLoop) { l.metrics = collector }
}

// WithTrainingEvents attaches an event publisher.
func WithTrainingEvents(publisher events.Publisher) TrainingOption {
	return func(l *TrainingLoop) { l.events = publisher }
}

// NewTrainingLoop wires a training loop. The initial snapshot seeds the
// first publish so rollout replicas have weights to load; it is copied,
// so the caller's snapshot stays independent.
func NewTrainingLoop(channel *staging.Channel, buf *buffer.Buffer, updater Updater, initial *rl.Snapshot, opts ...TrainingOption) (*TrainingLoop, error) {
	if channel == nil || buf == nil || updater == nil {
		return nil, rl.ErrInvalidConfiguration("training", nil,
			"training loop requires a channel, buffer, and updater")
	}
	if initial == nil || len(initial.Params) == 0 {
		return nil, rl.ErrInvalidConfiguration("initial", initial,
			"training loop requires a non-empty initial snapshot")
	}
	l := &TrainingLoop{
		name:      "training",
		channel:   channel,
		buffer:    buf,
		updater:   updater,
		initial:   initial.Clone(),
		batchSize: DefaultBatchSize,
		backoff:   DefaultTrainingBackoff,
		metrics:   metrics.NewNoopCollector(),
		events:    events.NoopPublisher{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.batchSize <= 0 {
		return nil, rl.ErrInvalidConfiguration("batch_size", l.batchSize, "batch size must be positive")
	}
	if l.backoff <= 0 {
		return nil, rl.ErrInvalidConfiguration("backoff", l.backoff, "backoff must be positive")
	}
	l.logger = slog.Default().With("component", "training-loop", "loop", l.name)
	return l, nil
}

// Run publishes the initial weights, then iterates sample-update-publish
// until the context ends.
func (l *TrainingLoop) Run(ctx context.Context) error {
	l.logger.Info("training loop started", "batch_size", l.batchSize)
	l.publishLifecycle(events.TypeLoopStarted)
	defer func() {
		l.publishLifecycle(events.TypeLoopStopped)
		l.logger.Info("training loop stopped",
			"steps", l.stepsDone.Load(), "version", l.published.Load())
	}()

	current, err := l.publishInitial(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, err := l.step(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rl.Retryable(err) {
				l.logger.Warn("training step failed, backing off", "error", err)
				if !l.sleep(ctx, l.backoff) {
					return ctx.Err()
				}
				continue
			}
			l.logger.Error("training loop stopping on non-retryable error", "error", err)
			return err
		}
		if next != nil {
			current = next
		}
	}
}

// Steps returns the number of completed updates.
func (l *TrainingLoop) Steps() int64 {
	return l.stepsDone.Load()
}

// PublishedVersion returns the last version this loop published.
func (l *TrainingLoop) PublishedVersion() rl.PolicyVersion {
	return rl.PolicyVersion(l.published.Load())
}

// publishInitial stages the seed weights so replicas can load before any
// update has completed.
func (l *TrainingLoop) publishInitial(ctx context.Context) (*rl.Snapshot, error) {
	seed := l.initial.Clone()
	seed.Version = l.channel.CurrentVersion() + 1
	if _, err := l.channel.Publish(ctx, seed); err != nil {
		return nil, err
	}
	l.published.Store(uint64(seed.Version))
	l.metrics.PolicyVersion(seed.Version)
	l.logger.Info("published initial weights", "version", seed.Version)
	return seed, nil
}

// step consumes one batch and, when it is non-empty, publishes the next
// version. It returns the snapshot now considered current, or nil when
// nothing changed.
func (l *TrainingLoop) step(ctx context.Context, current *rl.Snapshot) (*rl.Snapshot, error) {
	batch, err := l.buffer.Sample(ctx, l.batchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		l.logger.Debug("empty batch, skipping update")
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "training.step",
		trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	next, err := l.updater.Update(ctx, current, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, fmt.Errorf("update failed: %w", err)
	}

	next.Version = rl.PolicyVersion(l.published.Load()) + 1
	if _, err := l.channel.Publish(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, err
	}

	l.published.Store(uint64(next.Version))
	l.stepsDone.Add(1)
	l.metrics.PolicyVersion(next.Version)
	span.SetAttributes(attribute.Int64("policy.version", int64(next.Version)))
	l.logger.Info("published updated weights",
		"version", next.Version, "batch_size", len(batch))
	return next, nil
}

func (l *TrainingLoop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *TrainingLoop) publishLifecycle(eventType string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.events.Publish(ctx, events.New(eventType, l.name, map[string]string{"loop": l.name})); err != nil {
		l.logger.Warn("failed to publish loop event", "type", eventType, "error", err)
	}
}
