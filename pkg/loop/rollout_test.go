package loop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenwang28/monarch-rl-examples/pkg/buffer"
	"github.com/allenwang28/monarch-rl-examples/pkg/replica"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
	"github.com/allenwang28/monarch-rl-examples/pkg/staging"
	"github.com/allenwang28/monarch-rl-examples/pkg/worker"
)

type rolloutHarness struct {
	tracker *replica.Tracker
	router  *replica.Router
	channel *staging.Channel
	buffer  *buffer.Buffer
	sims    []*worker.SimGenerator
	loop    *RolloutLoop
}

func newRolloutHarness(t *testing.T, replicas int, opts ...RolloutOption) *rolloutHarness {
	t.Helper()

	tracker, err := replica.NewTracker()
	require.NoError(t, err)

	sims := make([]*worker.SimGenerator, 0, replicas)
	for i := 0; i < replicas; i++ {
		id := fmt.Sprintf("replica-%d", i)
		sim := worker.NewSimGenerator(id)
		require.NoError(t, tracker.Register(id, worker.AsEndpoint(sim)))
		sims = append(sims, sim)
	}

	router, err := replica.NewRouter(tracker)
	require.NoError(t, err)

	channel, err := staging.NewChannel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })

	buf, err := buffer.New(128, channel.CurrentVersion)
	require.NoError(t, err)

	prompts, err := NewStaticPrompts("alpha", "beta", "gamma")
	require.NoError(t, err)

	base := []RolloutOption{WithRolloutBackoff(10 * time.Millisecond)}
	l, err := NewRolloutLoop(router, channel, buf, prompts, append(base, opts...)...)
	require.NoError(t, err)

	return &rolloutHarness{
		tracker: tracker,
		router:  router,
		channel: channel,
		buffer:  buf,
		sims:    sims,
		loop:    l,
	}
}

func trainingWeights(version rl.PolicyVersion, seed byte) *rl.Snapshot {
	data := make([]byte, 16)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return &rl.Snapshot{
		Version: version,
		Params:  []rl.Parameter{{Name: "layer.0", Shape: []int64{16}, DType: "uint8", Data: data}},
	}
}

// runLoop starts fn and returns a channel carrying its result.
func runLoop(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return done
}

func waitForStop(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

// TestRolloutLoopValidation tests constructor argument checks
func TestRolloutLoopValidation(t *testing.T) {
	h := newRolloutHarness(t, 1)
	prompts, err := NewStaticPrompts("p")
	require.NoError(t, err)

	_, err = NewRolloutLoop(nil, h.channel, h.buffer, prompts)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewRolloutLoop(h.router, nil, h.buffer, prompts)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewRolloutLoop(h.router, h.channel, nil, prompts)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewRolloutLoop(h.router, h.channel, h.buffer, nil)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewRolloutLoop(h.router, h.channel, h.buffer, prompts, WithRolloutBackoff(-time.Second))
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))
}

// TestRolloutLoopGeneratesTrajectories tests the generate-score-push path:
// published weights reach every replica and trajectories carry the serving
// version.
func TestRolloutLoopGeneratesTrajectories(t *testing.T) {
	h := newRolloutHarness(t, 3)

	_, err := h.channel.Publish(context.Background(), trainingWeights(1, 0x10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runLoop(ctx, h.loop.Run)

	require.Eventually(t, func() bool {
		return h.loop.Completed() >= 5
	}, 2*time.Second, 5*time.Millisecond, "loop should produce trajectories")

	cancel()
	assert.ErrorIs(t, waitForStop(t, done), context.Canceled)

	assert.Equal(t, rl.PolicyVersion(1), h.loop.Version())
	for _, sim := range h.sims {
		assert.Equal(t, rl.PolicyVersion(1), sim.Version(), "every replica should have loaded v1")
	}

	sampleCtx, sampleCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer sampleCancel()
	batch, err := h.buffer.Sample(sampleCtx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, batch)
	for _, traj := range batch {
		assert.Equal(t, rl.PolicyVersion(1), traj.Version, "trajectories carry the serving version")
		assert.NotEmpty(t, traj.Steps)
		assert.NotEmpty(t, traj.Steps[0].Observation)
	}
}

// TestRolloutLoopPropagatesNewWeights tests that a second publish reaches
// the replicas while the loop runs
func TestRolloutLoopPropagatesNewWeights(t *testing.T) {
	h := newRolloutHarness(t, 2)

	_, err := h.channel.Publish(context.Background(), trainingWeights(1, 0x10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runLoop(ctx, h.loop.Run)

	require.Eventually(t, func() bool {
		return h.loop.Completed() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.channel.Publish(context.Background(), trainingWeights(2, 0x99))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, sim := range h.sims {
			if sim.Version() != 2 {
				return false
			}
		}
		return h.loop.Version() == 2
	}, 2*time.Second, 5*time.Millisecond, "new weights should reach every replica")

	cancel()
	assert.ErrorIs(t, waitForStop(t, done), context.Canceled)
}

// TestRolloutLoopRecoversFromEmptyPool tests that the loop backs off while
// no replica is eligible and resumes once one registers
func TestRolloutLoopRecoversFromEmptyPool(t *testing.T) {
	h := newRolloutHarness(t, 0)

	_, err := h.channel.Publish(context.Background(), trainingWeights(1, 0x10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runLoop(ctx, h.loop.Run)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, h.loop.Completed(), "no replica, no trajectories")

	sim := worker.NewSimGenerator("late-replica")
	require.NoError(t, h.tracker.Register("late-replica", worker.AsEndpoint(sim)))

	require.Eventually(t, func() bool {
		return h.loop.Completed() >= 1 && sim.Version() == 1
	}, 2*time.Second, 5*time.Millisecond, "loop should resume against the late replica")

	cancel()
	assert.ErrorIs(t, waitForStop(t, done), context.Canceled)
}

// TestRolloutLoopStopsOnWiringError tests that a non-retryable failure
// stops the loop instead of spinning
func TestRolloutLoopStopsOnWiringError(t *testing.T) {
	tracker, err := replica.NewTracker()
	require.NoError(t, err)
	bogus := replica.EndpointFunc(func(ctx context.Context, req any) (any, error) {
		return "not a generate response", nil
	})
	require.NoError(t, tracker.Register("bogus", bogus))

	router, err := replica.NewRouter(tracker)
	require.NoError(t, err)
	channel, err := staging.NewChannel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })
	buf, err := buffer.New(8, channel.CurrentVersion)
	require.NoError(t, err)
	prompts, err := NewStaticPrompts("p")
	require.NoError(t, err)

	l, err := NewRolloutLoop(router, channel, buf, prompts)
	require.NoError(t, err)

	err = l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))
}

// TestRolloutLoopStopsPromptly tests stop observation with nothing staged
func TestRolloutLoopStopsPromptly(t *testing.T) {
	h := newRolloutHarness(t, 1, WithRolloutInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := runLoop(ctx, h.loop.Run)

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, waitForStop(t, done), context.Canceled)
}
