package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/allenwang28/monarch-rl-examples/pkg/buffer"
	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/replica"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
	"github.com/allenwang28/monarch-rl-examples/pkg/staging"
	"github.com/allenwang28/monarch-rl-examples/pkg/worker"
)

// DefaultRolloutBackoff is the wait after a routing failure before the
// loop tries again.
const DefaultRolloutBackoff = 200 * time.Millisecond

// RolloutLoop drives generation: it keeps replica weights fresh from the
// staging channel, routes prompts to replicas, scores completions, and
// pushes the resulting trajectories into the buffer.
//
// Routing failures with a transient or exhausted class back the loop off
// and retry; protocol and fatal errors stop it.
type RolloutLoop struct {
	name    string
	router  *replica.Router
	channel *staging.Channel
	buffer  *buffer.Buffer
	prompts Prompts
	reward  RewardFunc

	backoff  time.Duration
	interval time.Duration

	localVersion atomic.Uint64
	completed    atomic.Int64

	events events.Publisher
	logger *slog.Logger
}

// RolloutOption configures a RolloutLoop.
type RolloutOption func(*RolloutLoop)

// WithRolloutName labels the loop in logs and lifecycle events.
func WithRolloutName(name string) RolloutOption {
	return func(l *RolloutLoop) { l.name = name }
}

// WithRolloutBackoff sets the wait after a failed iteration.
func WithRolloutBackoff(d time.Duration) RolloutOption {
	return func(l *RolloutLoop) { l.backoff = d }
}

// WithRolloutInterval paces iterations; zero runs a tight loop.
func WithRolloutInterval(d time.Duration) RolloutOption {
	return func(l *RolloutLoop) { l.interval = d }
}

// WithReward replaces the stock scoring function.
func WithReward(fn RewardFunc) RolloutOption {
	return func(l *RolloutLoop) { l.reward = fn }
}

// WithRolloutEvents attaches an event publisher.
func WithRolloutEvents(publisher events.Publisher) RolloutOption {
	return func(l *RolloutLoop) { l.events = publisher }
}

// NewRolloutLoop wires a rollout loop over its collaborators.
func NewRolloutLoop(router *replica.Router, channel *staging.Channel, buf *buffer.Buffer, prompts Prompts, opts ...RolloutOption) (*RolloutLoop, error) {
	if router == nil || channel == nil || buf == nil || prompts == nil {
		return nil, rl.ErrInvalidConfiguration("rollout", nil,
			"rollout loop requires a router, channel, buffer, and prompt source")
	}
	l := &RolloutLoop{
		name:    "rollout",
		router:  router,
		channel: channel,
		buffer:  buf,
		prompts: prompts,
		reward:  LengthReward,
		backoff: DefaultRolloutBackoff,
		events:  events.NoopPublisher{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.backoff <= 0 {
		return nil, rl.ErrInvalidConfiguration("backoff", l.backoff, "backoff must be positive")
	}
	if l.reward == nil {
		return nil, rl.ErrInvalidConfiguration("reward", nil, "reward function must not be nil")
	}
	l.logger = slog.Default().With("component", "rollout-loop", "loop", l.name)
	return l, nil
}

// Run iterates until the context ends. Every wait inside an iteration
// observes the context, so cancellation interrupts promptly.
func (l *RolloutLoop) Run(ctx context.Context) error {
	l.logger.Info("rollout loop started")
	l.publishLifecycle(events.TypeLoopStarted)
	defer func() {
		l.publishLifecycle(events.TypeLoopStopped)
		l.logger.Info("rollout loop stopped", "trajectories", l.completed.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.syncWeights(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("weight sync failed", "error", err)
			if !l.sleep(ctx, l.backoff) {
				return ctx.Err()
			}
			continue
		}

		if err := l.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rl.Retryable(err) {
				l.logger.Warn("rollout step failed, backing off", "error", err)
				if !l.sleep(ctx, l.backoff) {
					return ctx.Err()
				}
				continue
			}
			l.logger.Error("rollout loop stopping on non-retryable error", "error", err)
			return err
		}

		if l.interval > 0 && !l.sleep(ctx, l.interval) {
			return ctx.Err()
		}
	}
}

// Version returns the policy version the loop last propagated to replicas.
func (l *RolloutLoop) Version() rl.PolicyVersion {
	return rl.PolicyVersion(l.localVersion.Load())
}

// Completed returns the number of trajectories produced so far.
func (l *RolloutLoop) Completed() int64 {
	return l.completed.Load()
}

// syncWeights redeems the staged snapshot and fans it out to every
// eligible replica whenever the published version is ahead of what the
// loop last propagated. A handle invalidated by a racing publish is not
// an error; the fresher handle is picked up on the next iteration.
func (l *RolloutLoop) syncWeights(ctx context.Context) error {
	published := l.channel.CurrentVersion()
	if published == 0 || rl.PolicyVersion(l.localVersion.Load()) >= published {
		return nil
	}
	handle, ok := l.channel.CurrentHandle()
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "rollout.sync_weights",
		trace.WithAttributes(attribute.Int64("policy.version", int64(handle.Version))))
	defer span.End()

	snap, err := l.channel.Redeem(ctx, handle)
	if err != nil {
		if rl.IsCode(err, rl.ErrorCodeStaleHandle) {
			span.AddEvent("handle superseded by a newer publish")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "redeem failed")
		return err
	}

	succeeded, err := l.router.Broadcast(ctx, func(ctx context.Context, id string, ep replica.Endpoint) error {
		_, err := ep.Call(ctx, worker.LoadWeightsRequest{Snapshot: snap})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weight fan-out failed")
		return err
	}

	l.localVersion.Store(uint64(snap.Version))
	l.logger.Info("propagated weights to replicas",
		"version", snap.Version, "replicas", succeeded)
	return nil
}

// step runs one generate-score-push iteration.
func (l *RolloutLoop) step(ctx context.Context) error {
	prompt, err := l.prompts.Next(ctx)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "rollout.step",
		trace.WithAttributes(attribute.Int("prompt.length", len(prompt))))
	defer span.End()

	resp, err := l.router.Route(ctx, worker.GenerateRequest{Prompt: prompt})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "route failed")
		return err
	}
	gresp, ok := resp.(worker.GenerateResponse)
	if !ok {
		return rl.ErrInvalidConfiguration("endpoint", fmt.Sprintf("%T", resp),
			"replica endpoint returned an unexpected response type")
	}

	reward := l.reward(prompt, gresp.Text)
	traj := rl.NewTrajectory(prompt, []rl.Step{
		{Action: "generate", Observation: gresp.Text},
	}, reward, gresp.Version)
	l.buffer.Push(traj)
	l.completed.Add(1)

	span.SetAttributes(
		attribute.String("replica", gresp.Replica),
		attribute.Int64("policy.version", int64(gresp.Version)),
		attribute.Float64("reward", reward),
	)
	l.publishEvent(events.TypeTrajectoryCompleted, map[string]string{
		"trajectory": traj.ID,
		"replica":    gresp.Replica,
		"version":    strconv.FormatUint(uint64(gresp.Version), 10),
	})
	return nil
}

// sleep waits for d or until the context ends; it reports whether the
// full wait elapsed.
func (l *RolloutLoop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *RolloutLoop) publishLifecycle(eventType string) {
	l.publishEvent(eventType, map[string]string{"loop": l.name})
}

func (l *RolloutLoop) publishEvent(eventType string, metadata map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.events.Publish(ctx, events.New(eventType, l.name, metadata)); err != nil {
		l.logger.Warn("failed to publish loop event", "type", eventType, "error", err)
	}
}
