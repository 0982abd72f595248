package placement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenwang28/monarch-rl-examples/pkg/replica"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
	"github.com/allenwang28/monarch-rl-examples/pkg/worker"
)

// countingFactory builds sim workers and records every invocation. A
// non-zero failures budget makes the next invocations fail, which is how
// the respawn-retry tests exercise the backoff path.
type countingFactory struct {
	mu       sync.Mutex
	calls    int
	failures int
	built    []*worker.SimGenerator
}

func (f *countingFactory) build(ctx context.Context, id string) (worker.Generator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("spawn refused")
	}
	gen := worker.NewSimGenerator(id)
	f.built = append(f.built, gen)
	return gen, nil
}

func (f *countingFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *countingFactory) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *countingFactory) latest() *worker.SimGenerator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

func newTestManager(t *testing.T, factory *countingFactory, opts ...ManagerOption) (*Manager, *replica.Tracker) {
	t.Helper()
	tracker, err := replica.NewTracker()
	require.NoError(t, err)

	base := []ManagerOption{
		WithProbeInterval(20 * time.Millisecond),
		WithProbeTimeout(50 * time.Millisecond),
		WithRestartBackoff(5*time.Millisecond, 50*time.Millisecond),
	}
	mgr, err := NewManager(tracker, factory.build, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return mgr, tracker
}

// TestManagerValidation tests constructor argument checks
func TestManagerValidation(t *testing.T) {
	tracker, err := replica.NewTracker()
	require.NoError(t, err)
	factory := func(ctx context.Context, id string) (worker.Generator, error) {
		return worker.NewSimGenerator(id), nil
	}

	_, err = NewManager(nil, factory)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewManager(tracker, nil)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewManager(tracker, factory, WithProbeInterval(0))
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))

	_, err = NewManager(tracker, factory, WithRestartBackoff(time.Second, time.Millisecond))
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))
}

// TestManagerSpawnRegisters tests that a spawned worker joins the tracker
func TestManagerSpawnRegisters(t *testing.T) {
	factory := &countingFactory{}
	mgr, tracker := newTestManager(t, factory)

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))

	desc, ok := tracker.Get("worker-a")
	require.True(t, ok, "spawned worker should be registered")
	assert.Equal(t, replica.StateHealthy, desc.State)

	gen, ok := mgr.Worker("worker-a")
	require.True(t, ok)
	assert.NotNil(t, gen)

	h := mgr.Health()
	assert.Equal(t, 1, h.Workers)
	assert.Equal(t, 1, h.Running)
	assert.Equal(t, 0, h.Restarting)
}

// TestManagerSpawnFactoryError tests that a failed spawn registers nothing
func TestManagerSpawnFactoryError(t *testing.T) {
	factory := &countingFactory{}
	factory.failNext(1)
	mgr, tracker := newTestManager(t, factory)

	err := mgr.Spawn(context.Background(), "worker-a")
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeWorkerCrashed))

	assert.Equal(t, 0, tracker.Len())
	assert.Equal(t, 0, mgr.Health().Workers)
}

// TestManagerReportCrashRestartsWorker tests the full crash-to-recovery
// path: one failure reported, a replacement spawned, a fresh registration.
func TestManagerReportCrashRestartsWorker(t *testing.T) {
	factory := &countingFactory{}
	mgr, tracker := newTestManager(t, factory,
		WithRestartBackoff(100*time.Millisecond, 500*time.Millisecond))
	mgr.Start()

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))
	first := factory.latest()

	mgr.ReportCrash("worker-a", errors.New("process died"))

	// The crash counts as exactly one request failure. The backoff above
	// leaves room to observe the demoted state before the replacement lands.
	desc, ok := tracker.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, replica.StateSuspected, desc.State)
	assert.Equal(t, 1, desc.ConsecutiveFailures)

	// A replacement arrives and re-registers with a clean slate.
	require.Eventually(t, func() bool {
		d, ok := tracker.Get("worker-a")
		return ok && d.State == replica.StateHealthy && d.ConsecutiveFailures == 0
	}, 2*time.Second, 10*time.Millisecond, "replacement should re-register fresh")

	assert.Equal(t, 2, factory.callCount(), "factory should build the replacement")
	gen, ok := mgr.Worker("worker-a")
	require.True(t, ok)
	assert.NotSame(t, first, gen, "replacement should be a new instance")

	h := mgr.Health()
	assert.Equal(t, 1, h.Running)
	assert.Equal(t, 1, h.TotalRestarts)
}

// TestManagerReportCrashCoalesces tests that duplicate crash reports for a
// worker already being replaced do not double-count failures
func TestManagerReportCrashCoalesces(t *testing.T) {
	factory := &countingFactory{}
	mgr, tracker := newTestManager(t, factory,
		WithRestartBackoff(200*time.Millisecond, time.Second))
	mgr.Start()

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))

	mgr.ReportCrash("worker-a", errors.New("first report"))
	mgr.ReportCrash("worker-a", errors.New("second report"))
	mgr.ReportCrash("worker-a", errors.New("third report"))

	desc, ok := tracker.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, 1, desc.ConsecutiveFailures, "duplicate reports should coalesce")
	assert.Equal(t, replica.StateSuspected, desc.State)
}

// TestManagerProbeDetectsCrash tests that the liveness sweep notices a dead
// worker without any routed request touching it
func TestManagerProbeDetectsCrash(t *testing.T) {
	factory := &countingFactory{}
	mgr, _ := newTestManager(t, factory)
	mgr.Start()

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))
	factory.latest().Crash()

	require.Eventually(t, func() bool {
		return factory.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "probe should trigger a replacement")

	// The replacement serves requests again.
	require.Eventually(t, func() bool {
		gen, ok := mgr.Worker("worker-a")
		if !ok {
			return false
		}
		_, err := gen.Generate(context.Background(), worker.GenerateRequest{Prompt: "ping"})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "replacement should generate")
}

// TestManagerRespawnFailureRetries tests backoff retries when the factory
// refuses the first replacement attempts
func TestManagerRespawnFailureRetries(t *testing.T) {
	factory := &countingFactory{}
	mgr, tracker := newTestManager(t, factory)
	mgr.Start()

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))

	factory.failNext(2)
	mgr.ReportCrash("worker-a", errors.New("process died"))

	require.Eventually(t, func() bool {
		d, ok := tracker.Get("worker-a")
		return ok && d.State == replica.StateHealthy && factory.callCount() >= 4
	}, 3*time.Second, 10*time.Millisecond, "third replacement attempt should stick")

	h := mgr.Health()
	assert.Equal(t, 1, h.Running)
	assert.Equal(t, 1, h.TotalRestarts, "only the successful replacement counts")
}

// TestManagerGivesUpAfterMaxRestarts tests that a worker whose factory
// keeps failing is eventually abandoned and deregistered
func TestManagerGivesUpAfterMaxRestarts(t *testing.T) {
	factory := &countingFactory{}
	mgr, tracker := newTestManager(t, factory, WithMaxRestarts(2))
	mgr.Start()

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))

	factory.failNext(100)
	mgr.ReportCrash("worker-a", errors.New("process died"))

	require.Eventually(t, func() bool {
		return tracker.Len() == 0 && mgr.Health().Workers == 0
	}, 3*time.Second, 10*time.Millisecond, "worker should be abandoned")
}

// TestManagerStop tests shutdown of the supervision loop
func TestManagerStop(t *testing.T) {
	factory := &countingFactory{}
	mgr, _ := newTestManager(t, factory)
	mgr.Start()

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(ctx))

	// Stop is idempotent.
	require.NoError(t, mgr.Stop(context.Background()))
}

// TestManagerHealthCountsPending tests the pending-restart accounting
func TestManagerHealthCountsPending(t *testing.T) {
	factory := &countingFactory{}
	mgr, _ := newTestManager(t, factory,
		WithRestartBackoff(time.Minute, time.Hour))

	require.NoError(t, mgr.Spawn(context.Background(), "worker-a"))
	require.NoError(t, mgr.Spawn(context.Background(), "worker-b"))

	// Supervision is not started, so the crash stays queued.
	mgr.ReportCrash("worker-a", errors.New("process died"))

	h := mgr.Health()
	assert.Equal(t, 2, h.Workers)
	assert.Equal(t, 1, h.Running)
	assert.Equal(t, 1, h.Restarting)
	assert.Equal(t, 1, h.PendingRestarts)
}
