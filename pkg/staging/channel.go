// Package staging implements the weight staging channel: a single-slot
// handoff point between the trainer that publishes policy snapshots and the
// inference replicas that redeem them.
//
// The channel splits control plane from data plane. Publish serializes the
// snapshot into a region of a RegionStore and returns a lightweight Handle;
// redeemers pull the region bytes and decode their own independent copy.
// At most one snapshot is outstanding: a publish supersedes the previous
// region whether or not it was redeemed, and redemption of a superseded
// handle fails with a stale-handle error.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// DefaultTransferTimeout bounds a single stage-in or stage-out operation.
const DefaultTransferTimeout = 5 * time.Second

// Handle identifies a staged snapshot. It is cheap to copy and send over
// control-plane messages; the weight bytes stay in the region store until
// redeemed.
type Handle struct {
	// Region is the store key holding the serialized snapshot
	Region string `json:"region"`

	// Version is the policy version staged in the region
	Version rl.PolicyVersion `json:"version"`

	// SizeBytes is the serialized payload size
	SizeBytes int64 `json:"size_bytes"`

	// Owner identifies the publishing channel
	Owner string `json:"owner"`
}

// Channel is the weight staging channel. Safe for concurrent use by one
// publisher and any number of redeemers.
type Channel struct {
	mu      sync.Mutex
	version rl.PolicyVersion
	current *Handle

	// inflight counts redeems per region; a superseded region with live
	// redeems is marked doomed and released by the last one out.
	inflight map[string]int
	doomed   map[string]bool

	store           RegionStore
	owner           string
	transferTimeout time.Duration
	metrics         metrics.Collector
	events          events.Publisher
	logger          *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithStore selects the data-plane backend. Defaults to an in-memory store.
func WithStore(store RegionStore) Option {
	return func(c *Channel) { c.store = store }
}

// WithTransferTimeout bounds each stage-in/stage-out operation.
func WithTransferTimeout(d time.Duration) Option {
	return func(c *Channel) { c.transferTimeout = d }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(c *Channel) { c.metrics = collector }
}

// WithEvents attaches an event publisher for weight lifecycle events.
func WithEvents(publisher events.Publisher) Option {
	return func(c *Channel) { c.events = publisher }
}

// WithOwner sets the owner identity recorded on handles.
func WithOwner(owner string) Option {
	return func(c *Channel) { c.owner = owner }
}

// NewChannel creates a staging channel. Configuration errors are fatal.
func NewChannel(opts ...Option) (*Channel, error) {
	c := &Channel{
		inflight:        make(map[string]int),
		doomed:          make(map[string]bool),
		store:           NewMemoryRegionStore(),
		owner:           "staging-" + uuid.New().String()[:8],
		transferTimeout: DefaultTransferTimeout,
		metrics:         metrics.NewNoopCollector(),
		events:          events.NoopPublisher{},
		logger:          slog.Default().With("component", "staging-channel"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transferTimeout <= 0 {
		return nil, rl.ErrInvalidConfiguration("transfer_timeout", c.transferTimeout, "must be positive")
	}
	if c.store == nil {
		return nil, rl.ErrInvalidConfiguration("store", nil, "region store must not be nil")
	}
	return c, nil
}

// Publish stages a snapshot and returns its handle. The snapshot version
// must be strictly greater than the last published version. The previous
// region is released whether or not it was redeemed, invalidating its
// handle for future redeemers; redeems already in flight finish against
// the old region, which is released when the last one completes.
func (c *Channel) Publish(ctx context.Context, snap *rl.Snapshot) (Handle, error) {
	if snap == nil {
		return Handle{}, rl.ErrInvalidConfiguration("snapshot", "<nil>", "publish requires a non-nil snapshot")
	}
	start := time.Now()

	// Fast regression check before paying for serialization.
	c.mu.Lock()
	last := c.version
	c.mu.Unlock()
	if snap.Version <= last {
		return Handle{}, rl.ErrVersionRegression(snap.Version, last)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return Handle{}, rl.ErrTransferFailed("", fmt.Errorf("failed to serialize snapshot: %w", err))
	}

	handle := Handle{
		Region:    uuid.New().String(),
		Version:   snap.Version,
		SizeBytes: int64(len(data)),
		Owner:     c.owner,
	}

	putCtx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()
	if err := c.store.Put(putCtx, handle.Region, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Handle{}, rl.ErrTransferTimeout(handle.Region, c.transferTimeout)
		}
		return Handle{}, rl.ErrTransferFailed(handle.Region, err)
	}

	// Swap the staged region. Re-check the version: a concurrent publish
	// may have won the race while we were staging bytes.
	c.mu.Lock()
	if snap.Version <= c.version {
		current := c.version
		c.mu.Unlock()
		c.releaseRegion(handle.Region)
		return Handle{}, rl.ErrVersionRegression(snap.Version, current)
	}
	prev := c.current
	c.current = &handle
	c.version = snap.Version
	c.mu.Unlock()

	if prev != nil {
		c.retireRegion(prev.Region)
	}

	c.metrics.WeightPublished(snap.Version, handle.SizeBytes, time.Since(start))
	c.publishEvent(ctx, events.TypeWeightsPublished, handle)
	c.logger.Debug("published snapshot",
		"version", snap.Version,
		"region", handle.Region,
		"size_bytes", handle.SizeBytes,
		"superseded", prev != nil)
	return handle, nil
}

// Redeem materializes an independent copy of the snapshot behind the handle.
// It is side-effect-free on the channel: concurrent redeemers of the same
// handle each get their own copy, and redeeming never consumes the slot.
// A handle superseded by a later publish fails with a stale-handle error;
// a supersession landing while the transfer is in flight does not tear it
// down — the transfer completes against the old region.
func (c *Channel) Redeem(ctx context.Context, h Handle) (*rl.Snapshot, error) {
	start := time.Now()

	// Validity check and in-flight registration are one atomic step, so a
	// racing publish either sees this redeem or invalidates the handle
	// before it starts.
	c.mu.Lock()
	current := c.current
	currentVersion := c.version
	if current == nil || current.Region != h.Region {
		c.mu.Unlock()
		err := rl.ErrStaleHandle(h.Region, currentVersion)
		c.metrics.WeightRedeemed(0, time.Since(start), err)
		return nil, err
	}
	c.inflight[h.Region]++
	c.mu.Unlock()
	defer c.finishRedeem(h.Region)

	getCtx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()
	data, err := c.store.Get(getCtx, h.Region)
	if err != nil {
		rerr := c.mapTransferError(ctx, h, err)
		c.metrics.WeightRedeemed(0, time.Since(start), rerr)
		return nil, rerr
	}

	var snap rl.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		rerr := rl.ErrTransferFailed(h.Region, fmt.Errorf("failed to decode snapshot: %w", err))
		c.metrics.WeightRedeemed(0, time.Since(start), rerr)
		return nil, rerr
	}

	c.metrics.WeightRedeemed(int64(len(data)), time.Since(start), nil)
	c.publishEvent(ctx, events.TypeWeightsRedeemed, h)
	c.logger.Debug("redeemed snapshot",
		"version", snap.Version,
		"region", h.Region,
		"size_bytes", len(data))
	return &snap, nil
}

// CurrentVersion returns the latest published version without blocking
// transfers. Zero means nothing has been published yet.
func (c *Channel) CurrentVersion() rl.PolicyVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// CurrentHandle returns the handle of the staged snapshot, if any.
func (c *Channel) CurrentHandle() (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Handle{}, false
	}
	return *c.current, true
}

// Close releases the staged region. Redeems of outstanding handles fail
// with a stale-handle error afterwards; in-flight redeems complete.
func (c *Channel) Close() error {
	c.mu.Lock()
	current := c.current
	c.current = nil
	c.mu.Unlock()
	if current != nil {
		c.retireRegion(current.Region)
	}
	return nil
}

func (c *Channel) mapTransferError(ctx context.Context, h Handle, err error) error {
	switch {
	case errors.Is(err, ErrRegionNotFound):
		// Superseded while the transfer was in flight.
		return rl.ErrStaleHandle(h.Region, c.CurrentVersion())
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return rl.ErrTransferTimeout(h.Region, c.transferTimeout)
	default:
		return rl.ErrTransferFailed(h.Region, err)
	}
}

// retireRegion releases a superseded region, deferring to the last
// in-flight redeem if any are still reading it.
func (c *Channel) retireRegion(region string) {
	c.mu.Lock()
	if c.inflight[region] > 0 {
		c.doomed[region] = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.releaseRegion(region)
}

// finishRedeem retires the caller's in-flight claim and releases the
// region if it was superseded while the transfer ran.
func (c *Channel) finishRedeem(region string) {
	c.mu.Lock()
	c.inflight[region]--
	if c.inflight[region] > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, region)
	wasDoomed := c.doomed[region]
	delete(c.doomed, region)
	c.mu.Unlock()
	if wasDoomed {
		c.releaseRegion(region)
	}
}

func (c *Channel) releaseRegion(region string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.transferTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, region); err != nil {
		c.logger.Warn("failed to release staging region", "region", region, "error", err)
	}
}

func (c *Channel) publishEvent(ctx context.Context, eventType string, h Handle) {
	event := events.New(eventType, "staging-channel", map[string]string{
		"version":    strconv.FormatUint(uint64(h.Version), 10),
		"region":     h.Region,
		"size_bytes": strconv.FormatInt(h.SizeBytes, 10),
		"owner":      h.Owner,
	})
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish staging event", "type", eventType, "error", err)
	}
}
