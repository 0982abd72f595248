package replica

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// DefaultCallTimeout bounds one dispatch attempt to one replica.
const DefaultCallTimeout = 30 * time.Second

// Router dispatches requests round-robin across the tracker's eligible
// replicas, retrying failed attempts on different replicas. Callers never
// learn which replica served them except through error details.
type Router struct {
	tracker     *Tracker
	callTimeout time.Duration
	metrics     metrics.Collector
	events      events.Publisher
	logger      *slog.Logger

	mu     sync.Mutex
	cursor uint64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithCallTimeout bounds each dispatch attempt.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = d }
}

// WithRouterMetrics attaches a metrics collector.
func WithRouterMetrics(collector metrics.Collector) RouterOption {
	return func(r *Router) { r.metrics = collector }
}

// WithRouterEvents attaches an event publisher.
func WithRouterEvents(publisher events.Publisher) RouterOption {
	return func(r *Router) { r.events = publisher }
}

// NewRouter creates a router over a tracker's replica pool.
func NewRouter(tracker *Tracker, opts ...RouterOption) (*Router, error) {
	if tracker == nil {
		return nil, rl.ErrInvalidConfiguration("tracker", nil, "router requires a tracker")
	}
	r := &Router{
		tracker:     tracker,
		callTimeout: DefaultCallTimeout,
		metrics:     metrics.NewNoopCollector(),
		events:      events.NoopPublisher{},
		logger:      slog.Default().With("component", "replica-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.callTimeout <= 0 {
		return nil, rl.ErrInvalidConfiguration("call_timeout", r.callTimeout, "must be positive")
	}
	return r, nil
}

// Route dispatches one request. It walks the eligible set starting at the
// round-robin cursor, trying each replica at most once; the retry budget is
// the eligible count minus one. Every outcome is reported to the tracker, so
// a failing replica is demoted even while the request ultimately succeeds
// elsewhere.
func (r *Router) Route(ctx context.Context, req any) (any, error) {
	start := time.Now()

	eligible := r.tracker.Eligible()
	if len(eligible) == 0 {
		err := rl.ErrNoHealthyReplicas(r.tracker.Len())
		r.metrics.RouteCompleted(0, time.Since(start), err)
		return nil, err
	}

	offset := r.advance()
	attempts := make([]rl.RouteAttempt, 0, len(eligible))
	for i := 0; i < len(eligible); i++ {
		if err := ctx.Err(); err != nil {
			r.metrics.RouteCompleted(len(attempts), time.Since(start), err)
			return nil, err
		}

		id := eligible[(offset+uint64(i))%uint64(len(eligible))]
		endpoint, ok := r.tracker.endpointOf(id)
		if !ok {
			// Deregistered mid-route; spend the attempt elsewhere.
			continue
		}

		resp, err := r.dispatch(ctx, endpoint, req)
		if err == nil {
			if rerr := r.tracker.ReportSuccess(id); rerr != nil {
				r.logger.Debug("success report dropped", "replica", id, "error", rerr)
			}
			r.metrics.RouteCompleted(len(attempts)+1, time.Since(start), nil)
			return resp, nil
		}

		if rerr := r.tracker.ReportFailure(id, err); rerr != nil {
			r.logger.Debug("failure report dropped", "replica", id, "error", rerr)
		}
		attempts = append(attempts, rl.RouteAttempt{Replica: id, Reason: err.Error()})
		r.logger.Warn("dispatch attempt failed", "replica", id, "attempt", len(attempts), "error", err)
	}

	err := rl.ErrAllReplicasFailed(attempts)
	r.metrics.RouteCompleted(len(attempts), time.Since(start), err)
	r.publishExhausted(attempts)
	return nil, err
}

// Broadcast runs fn concurrently against every eligible replica, reporting
// each outcome to the tracker. It returns the number of replicas on which fn
// succeeded; the error is non-nil only when no replica succeeded.
func (r *Router) Broadcast(ctx context.Context, fn func(ctx context.Context, id string, endpoint Endpoint) error) (int, error) {
	eligible := r.tracker.Eligible()
	if len(eligible) == 0 {
		return 0, rl.ErrNoHealthyReplicas(r.tracker.Len())
	}

	var mu sync.Mutex
	attempts := make([]rl.RouteAttempt, 0, len(eligible))
	succeeded := 0

	var g errgroup.Group
	for _, id := range eligible {
		id := id
		endpoint, ok := r.tracker.endpointOf(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
			err := fn(callCtx, id, endpoint)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				attempts = append(attempts, rl.RouteAttempt{Replica: id, Reason: err.Error()})
				if rerr := r.tracker.ReportFailure(id, err); rerr != nil {
					r.logger.Debug("failure report dropped", "replica", id, "error", rerr)
				}
				r.logger.Warn("broadcast attempt failed", "replica", id, "error", err)
				return nil
			}
			succeeded++
			if rerr := r.tracker.ReportSuccess(id); rerr != nil {
				r.logger.Debug("success report dropped", "replica", id, "error", rerr)
			}
			return nil
		})
	}
	// Goroutines report per-replica outcomes through shared state; none
	// return an error.
	_ = g.Wait()

	if succeeded == 0 {
		err := rl.ErrAllReplicasFailed(attempts)
		r.publishExhausted(attempts)
		return 0, err
	}
	return succeeded, nil
}

func (r *Router) dispatch(ctx context.Context, endpoint Endpoint, req any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return endpoint.Call(callCtx, req)
}

// advance returns the current cursor and moves it one slot.
func (r *Router) advance() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	offset := r.cursor
	r.cursor++
	return offset
}

func (r *Router) publishExhausted(attempts []rl.RouteAttempt) {
	metadata := map[string]string{
		"attempts": strconv.Itoa(len(attempts)),
	}
	for _, a := range attempts {
		metadata["reason."+a.Replica] = a.Reason
	}
	event := events.New(events.TypeRouteExhausted, "replica-router", metadata)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.events.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish route event", "error", err)
	}
}
