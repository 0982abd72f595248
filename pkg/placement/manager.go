package placement

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/replica"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
	"github.com/allenwang28/monarch-rl-examples/pkg/worker"
)

const (
	// DefaultProbeInterval between liveness sweeps
	DefaultProbeInterval = 5 * time.Second

	// DefaultProbeTimeout bounds one liveness probe
	DefaultProbeTimeout = 2 * time.Second

	// DefaultRestartBackoff is the base delay before replacing a crashed worker
	DefaultRestartBackoff = 500 * time.Millisecond

	// DefaultMaxRestartBackoff caps the exponential restart delay
	DefaultMaxRestartBackoff = 30 * time.Second
)

// Factory builds a fresh worker instance for an identity. It is invoked at
// spawn time and again for every replacement after a crash.
type Factory func(ctx context.Context, id string) (worker.Generator, error)

// Pinger is implemented by workers that support liveness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type workerState int

const (
	workerRunning workerState = iota
	workerRestarting
)

type managedWorker struct {
	generator    worker.Generator
	state        workerState
	restarts     int
	failedSpawns int
	spawnedAt    time.Time
}

// Manager owns the replica worker lifecycle: it spawns instances, registers
// them with the health tracker, probes liveness, and replaces crashed
// workers with exponential backoff. A replacement re-registers under the
// same identity, giving the tracker a fresh descriptor.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*managedWorker

	tracker        *replica.Tracker
	factory        Factory
	queue          *DelayQueue
	probeInterval  time.Duration
	probeTimeout   time.Duration
	restartBackoff time.Duration
	maxBackoff     time.Duration
	maxRestarts    int

	metrics metrics.Collector
	events  events.Publisher
	logger  *slog.Logger

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
	started        bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProbeInterval sets the liveness sweep period.
func WithProbeInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.probeInterval = d }
}

// WithProbeTimeout bounds a single liveness probe.
func WithProbeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.probeTimeout = d }
}

// WithRestartBackoff sets the base and maximum restart delays.
func WithRestartBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.restartBackoff = base
		m.maxBackoff = max
	}
}

// WithMaxRestarts gives up on a worker after n failed replacements.
// Zero means never give up.
func WithMaxRestarts(n int) ManagerOption {
	return func(m *Manager) { m.maxRestarts = n }
}

// WithManagerMetrics attaches a metrics collector.
func WithManagerMetrics(collector metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = collector }
}

// WithManagerEvents attaches an event publisher.
func WithManagerEvents(publisher events.Publisher) ManagerOption {
	return func(m *Manager) { m.events = publisher }
}

// NewManager creates a placement manager over a tracker and worker factory.
func NewManager(tracker *replica.Tracker, factory Factory, opts ...ManagerOption) (*Manager, error) {
	if tracker == nil {
		return nil, rl.ErrInvalidConfiguration("tracker", nil, "placement requires a tracker")
	}
	if factory == nil {
		return nil, rl.ErrInvalidConfiguration("factory", nil, "placement requires a worker factory")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		workers:        make(map[string]*managedWorker),
		tracker:        tracker,
		factory:        factory,
		queue:          NewDelayQueue(),
		probeInterval:  DefaultProbeInterval,
		probeTimeout:   DefaultProbeTimeout,
		restartBackoff: DefaultRestartBackoff,
		maxBackoff:     DefaultMaxRestartBackoff,
		metrics:        metrics.NewNoopCollector(),
		events:         events.NoopPublisher{},
		logger:         slog.Default().With("component", "placement-manager"),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.probeInterval <= 0 || m.probeTimeout <= 0 {
		cancel()
		return nil, rl.ErrInvalidConfiguration("probe_interval", m.probeInterval, "probe settings must be positive")
	}
	if m.restartBackoff <= 0 || m.maxBackoff < m.restartBackoff {
		cancel()
		return nil, rl.ErrInvalidConfiguration("restart_backoff", m.restartBackoff,
			"base backoff must be positive and no greater than the cap")
	}
	return m, nil
}

// Start launches the supervision loop. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise()
}

// Spawn creates a worker via the factory and registers it for routing.
func (m *Manager) Spawn(ctx context.Context, id string) error {
	gen, err := m.factory(ctx, id)
	if err != nil {
		return rl.ErrWorkerCrashed(id, err).WithSuggestion("Check the worker factory configuration")
	}
	if err := m.tracker.Register(id, worker.AsEndpoint(gen)); err != nil {
		return err
	}

	m.mu.Lock()
	m.workers[id] = &managedWorker{
		generator: gen,
		state:     workerRunning,
		spawnedAt: time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("worker spawned", "replica", id)
	return nil
}

// Worker returns the current live instance for an identity.
func (m *Manager) Worker(id string) (worker.Generator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, false
	}
	return w.generator, true
}

// ReportCrash delivers a crash notification: one failure event to the
// health tracker, then a scheduled replacement. Requests that raced the
// crash fail on their own and drive the tracker the rest of the way.
func (m *Manager) ReportCrash(id string, cause error) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok || w.state == workerRestarting {
		m.mu.Unlock()
		return
	}
	w.state = workerRestarting
	restarts := w.restarts
	m.mu.Unlock()

	if err := m.tracker.ReportFailure(id, cause); err != nil {
		m.logger.Debug("crash report dropped", "replica", id, "error", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	m.publishEvent(events.TypeWorkerCrashed, id, map[string]string{"reason": reason})
	m.logger.Warn("worker crashed", "replica", id, "reason", reason)

	delay := ExponentialBackoff(restarts, m.restartBackoff, m.maxBackoff)
	m.queue.Enqueue(id, delay)
}

// Health summarizes the managed pool for readiness reporting.
type Health struct {
	Workers         int
	Running         int
	Restarting      int
	PendingRestarts int
	TotalRestarts   int
}

// Health returns the current pool health.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{Workers: len(m.workers), PendingRestarts: m.queue.Len()}
	for _, w := range m.workers {
		switch w.state {
		case workerRunning:
			h.Running++
		case workerRestarting:
			h.Restarting++
		}
		h.TotalRestarts += w.restarts
	}
	return h
}

// Stop halts supervision. Managed workers stay registered; callers that
// want a clean tracker deregister explicitly.
func (m *Manager) Stop(ctx context.Context) error {
	m.shutdownCancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise runs probes and restart processing in one loop. The ticker
// doubles as the poll for delayed queue items that became ready.
func (m *Manager) supervise() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.logger.Info("placement supervision started", "probe_interval", m.probeInterval)
	for {
		select {
		case <-m.shutdownCtx.Done():
			m.logger.Info("placement supervision stopped")
			return
		case <-m.queue.Wait():
			m.processRestarts()
		case <-ticker.C:
			m.probeAll()
			m.processRestarts()
		}
	}
}

// probeAll sweeps running workers that support probes and treats a failed
// probe as a crash.
func (m *Manager) probeAll() {
	m.mu.Lock()
	type probeTarget struct {
		id     string
		pinger Pinger
	}
	targets := make([]probeTarget, 0, len(m.workers))
	for id, w := range m.workers {
		if w.state != workerRunning {
			continue
		}
		if p, ok := w.generator.(Pinger); ok {
			targets = append(targets, probeTarget{id: id, pinger: p})
		}
	}
	m.mu.Unlock()

	for _, target := range targets {
		ctx, cancel := context.WithTimeout(m.shutdownCtx, m.probeTimeout)
		err := target.pinger.Ping(ctx)
		cancel()
		if err != nil && m.shutdownCtx.Err() == nil {
			m.ReportCrash(target.id, err)
		}
	}
}

// processRestarts replaces every crashed worker whose backoff has elapsed.
func (m *Manager) processRestarts() {
	for {
		id, ok := m.queue.Dequeue()
		if !ok {
			return
		}
		m.restart(id)
	}
}

func (m *Manager) restart(id string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	attempt := w.failedSpawns
	m.mu.Unlock()

	gen, err := m.factory(m.shutdownCtx, id)
	if err != nil {
		m.mu.Lock()
		w.failedSpawns++
		failed := w.failedSpawns
		m.mu.Unlock()

		if m.maxRestarts > 0 && failed >= m.maxRestarts {
			m.logger.Error("giving up on worker after repeated spawn failures",
				"replica", id, "attempts", failed, "error", err)
			m.abandon(id)
			return
		}
		delay := ExponentialBackoff(attempt+1, m.restartBackoff, m.maxBackoff)
		m.logger.Warn("worker respawn failed, retrying",
			"replica", id, "attempt", failed, "retry_in", delay, "error", err)
		m.queue.Enqueue(id, delay)
		return
	}

	if err := m.tracker.Register(id, worker.AsEndpoint(gen)); err != nil {
		m.logger.Error("failed to re-register replacement worker", "replica", id, "error", err)
		m.queue.Enqueue(id, ExponentialBackoff(attempt+1, m.restartBackoff, m.maxBackoff))
		return
	}

	m.mu.Lock()
	w.generator = gen
	w.state = workerRunning
	w.restarts++
	w.failedSpawns = 0
	w.spawnedAt = time.Now()
	restarts := w.restarts
	m.mu.Unlock()

	m.metrics.WorkerRestarted(id)
	m.publishEvent(events.TypeWorkerRestarted, id, map[string]string{
		"restarts": strconv.Itoa(restarts),
	})
	m.logger.Info("worker restarted", "replica", id, "restarts", restarts)
}

// abandon removes a worker the manager could not keep alive.
func (m *Manager) abandon(id string) {
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
	if err := m.tracker.Deregister(id); err != nil {
		m.logger.Debug("deregister of abandoned worker failed", "replica", id, "error", err)
	}
}

func (m *Manager) publishEvent(eventType, id string, metadata map[string]string) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["replica"] = id
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.New(eventType, "placement-manager", metadata)); err != nil {
		m.logger.Warn("failed to publish placement event", "type", eventType, "error", err)
	}
}
