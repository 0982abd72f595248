package staging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

func testSnapshot(version rl.PolicyVersion, seed byte) *rl.Snapshot {
	data := make([]byte, 64)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return &rl.Snapshot{
		Version: version,
		Params: []rl.Parameter{
			{Name: "layer0.weight", Shape: []int64{8, 8}, DType: "float32", Data: data},
		},
	}
}

// blockingStore gates the first Get so tests can race a publish against an
// in-flight redeem deterministically.
type blockingStore struct {
	RegionStore
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
}

func newBlockingStore(inner RegionStore) *blockingStore {
	return &blockingStore{
		RegionStore: inner,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *blockingStore) Get(ctx context.Context, region string) ([]byte, error) {
	s.startedOnce.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.RegionStore.Get(ctx, region)
}

// slowStore delays Get by an adjustable amount.
type slowStore struct {
	RegionStore
	mu    sync.Mutex
	delay time.Duration
}

func (s *slowStore) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *slowStore) Get(ctx context.Context, region string) ([]byte, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.RegionStore.Get(ctx, region)
}

type failingStore struct {
	RegionStore
	putErr error
}

func (s *failingStore) Put(ctx context.Context, region string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.RegionStore.Put(ctx, region, data)
}

type recordingPublisher struct {
	mu       sync.Mutex
	recorded []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, event)
	return nil
}

func (p *recordingPublisher) Close(ctx context.Context) error { return nil }

func (p *recordingPublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.recorded {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestChannelPublishRedeem(t *testing.T) {
	ch, err := NewChannel(WithOwner("trainer-0"))
	require.NoError(t, err)
	defer ch.Close()

	snap := testSnapshot(1, 0x10)
	handle, err := ch.Publish(context.Background(), snap)
	require.NoError(t, err)

	assert.NotEmpty(t, handle.Region)
	assert.Equal(t, rl.PolicyVersion(1), handle.Version)
	assert.Equal(t, "trainer-0", handle.Owner)
	assert.Greater(t, handle.SizeBytes, int64(0))
	assert.Equal(t, rl.PolicyVersion(1), ch.CurrentVersion())

	current, ok := ch.CurrentHandle()
	require.True(t, ok)
	assert.Equal(t, handle, current)

	got, err := ch.Redeem(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, got.Version)
	assert.Equal(t, snap.Checksum(), got.Checksum())
}

func TestChannelRedeemReturnsIndependentCopies(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	snap := testSnapshot(1, 0x20)
	want := snap.Checksum()
	handle, err := ch.Publish(context.Background(), snap)
	require.NoError(t, err)

	// Mutating the publisher's snapshot after publish must not affect
	// what redeemers observe.
	snap.Params[0].Data[0] = 0xFF

	first, err := ch.Redeem(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, want, first.Checksum())

	// Mutating one redeemed copy must not leak into later redeems.
	first.Params[0].Data[0] = 0xEE
	second, err := ch.Redeem(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, want, second.Checksum())
}

func TestChannelConcurrentRedeemers(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	snap := testSnapshot(3, 0x30)
	want := snap.Checksum()
	handle, err := ch.Publish(context.Background(), snap)
	require.NoError(t, err)

	const redeemers = 16
	var wg sync.WaitGroup
	errs := make([]error, redeemers)
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := ch.Redeem(context.Background(), handle)
			if err != nil {
				errs[i] = err
				return
			}
			if got.Checksum() != want {
				errs[i] = errors.New("checksum mismatch")
				return
			}
			// Scribble on the local copy to catch shared buffers.
			got.Params[0].Data[0] = byte(i)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "redeemer %d", i)
	}
}

func TestChannelSecondPublishInvalidatesPriorHandle(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	h1, err := ch.Publish(context.Background(), testSnapshot(1, 0x01))
	require.NoError(t, err)
	h2, err := ch.Publish(context.Background(), testSnapshot(2, 0x02))
	require.NoError(t, err)

	// The superseded handle fails; the error names the newer version so
	// the holder knows recovery is possible.
	_, err = ch.Redeem(context.Background(), h1)
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeStaleHandle))
	assert.Equal(t, rl.ClassTransient, rl.ClassOf(err))

	var rlErr *rl.Error
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, uint64(2), rlErr.Context["current_version"])

	// Recovery path: fetch the current handle and redeem that instead.
	current, ok := ch.CurrentHandle()
	require.True(t, ok)
	assert.Equal(t, h2, current)
	got, err := ch.Redeem(context.Background(), current)
	require.NoError(t, err)
	assert.Equal(t, rl.PolicyVersion(2), got.Version)
}

func TestChannelRedeemBeforePublish(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Redeem(context.Background(), Handle{Region: "missing"})
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeStaleHandle))
	assert.Equal(t, rl.PolicyVersion(0), ch.CurrentVersion())
}

func TestChannelVersionRegression(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Publish(context.Background(), testSnapshot(5, 0x01))
	require.NoError(t, err)

	for _, version := range []rl.PolicyVersion{5, 4} {
		_, err = ch.Publish(context.Background(), testSnapshot(version, 0x02))
		require.Error(t, err, "version %d", version)
		assert.True(t, rl.IsCode(err, rl.ErrorCodeVersionRegression))
		assert.Equal(t, rl.ClassProtocol, rl.ClassOf(err))
	}

	// The staged snapshot is untouched by rejected publishes.
	assert.Equal(t, rl.PolicyVersion(5), ch.CurrentVersion())
	handle, ok := ch.CurrentHandle()
	require.True(t, ok)
	got, err := ch.Redeem(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, rl.PolicyVersion(5), got.Version)
}

func TestChannelPublishRacingRedeemSupersedes(t *testing.T) {
	inner := NewMemoryRegionStore()
	store := newBlockingStore(inner)
	ch, err := NewChannel(WithStore(store))
	require.NoError(t, err)
	defer ch.Close()

	h1, err := ch.Publish(context.Background(), testSnapshot(1, 0x01))
	require.NoError(t, err)

	type result struct {
		snap *rl.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := ch.Redeem(context.Background(), h1)
		done <- result{snap, err}
	}()

	// Wait until the redeem transfer is in flight, then supersede it.
	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("redeem never reached the store")
	}
	h2, err := ch.Publish(context.Background(), testSnapshot(2, 0x02))
	require.NoError(t, err)
	close(store.release)

	// The in-flight transfer completes intact against the old region; the
	// supersession only invalidates the handle for future redeemers.
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, testSnapshot(1, 0x01).Checksum(), res.snap.Checksum())

	_, err = ch.Redeem(context.Background(), h1)
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeStaleHandle))

	// The old region is released once its last redeemer finishes.
	assert.Equal(t, 1, inner.Len())

	got, err := ch.Redeem(context.Background(), h2)
	require.NoError(t, err)
	assert.Equal(t, rl.PolicyVersion(2), got.Version)
}

func TestChannelTransferTimeoutIsRecoverable(t *testing.T) {
	store := &slowStore{RegionStore: NewMemoryRegionStore()}
	ch, err := NewChannel(WithStore(store), WithTransferTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer ch.Close()

	handle, err := ch.Publish(context.Background(), testSnapshot(1, 0x01))
	require.NoError(t, err)

	store.setDelay(time.Second)
	_, err = ch.Redeem(context.Background(), handle)
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeTransferTimeout))
	assert.True(t, rl.Retryable(err))

	// The handle survives a timed-out transfer; a later attempt succeeds.
	store.setDelay(0)
	got, err := ch.Redeem(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, rl.PolicyVersion(1), got.Version)
}

func TestChannelRedeemHonorsCallerCancellation(t *testing.T) {
	store := &slowStore{RegionStore: NewMemoryRegionStore()}
	store.setDelay(time.Second)
	ch, err := NewChannel(WithStore(store), WithTransferTimeout(10*time.Second))
	require.NoError(t, err)
	defer ch.Close()

	handle, err := ch.Publish(context.Background(), testSnapshot(1, 0x01))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = ch.Redeem(ctx, handle)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannelPublishStoreFailure(t *testing.T) {
	store := &failingStore{RegionStore: NewMemoryRegionStore(), putErr: errors.New("connection refused")}
	ch, err := NewChannel(WithStore(store))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Publish(context.Background(), testSnapshot(1, 0x01))
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeTransferFailed))
	assert.Equal(t, rl.PolicyVersion(0), ch.CurrentVersion())
}

func TestChannelPublishNilSnapshot(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Publish(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, rl.ClassFatal, rl.ClassOf(err))
}

func TestChannelInvalidConfiguration(t *testing.T) {
	_, err := NewChannel(WithTransferTimeout(-time.Second))
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeInvalidConfiguration))
	assert.Equal(t, rl.ClassFatal, rl.ClassOf(err))
}

func TestChannelCloseInvalidatesHandle(t *testing.T) {
	store := NewMemoryRegionStore()
	ch, err := NewChannel(WithStore(store))
	require.NoError(t, err)

	handle, err := ch.Publish(context.Background(), testSnapshot(1, 0x01))
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	_, err = ch.Redeem(context.Background(), handle)
	require.Error(t, err)
	assert.True(t, rl.IsCode(err, rl.ErrorCodeStaleHandle))
	assert.Equal(t, 0, store.Len())
}

func TestChannelReleasesSupersededRegions(t *testing.T) {
	store := NewMemoryRegionStore()
	ch, err := NewChannel(WithStore(store))
	require.NoError(t, err)
	defer ch.Close()

	for v := rl.PolicyVersion(1); v <= 5; v++ {
		_, err := ch.Publish(context.Background(), testSnapshot(v, byte(v)))
		require.NoError(t, err)
	}
	// Only the latest region stays staged.
	assert.Equal(t, 1, store.Len())
}

func TestChannelEvents(t *testing.T) {
	sink := &recordingPublisher{}
	ch, err := NewChannel(WithEvents(sink))
	require.NoError(t, err)
	defer ch.Close()

	handle, err := ch.Publish(context.Background(), testSnapshot(7, 0x01))
	require.NoError(t, err)
	_, err = ch.Redeem(context.Background(), handle)
	require.NoError(t, err)

	published := sink.byType(events.TypeWeightsPublished)
	require.Len(t, published, 1)
	assert.Equal(t, "7", published[0].Metadata["version"])
	assert.Equal(t, handle.Region, published[0].Metadata["region"])

	redeemed := sink.byType(events.TypeWeightsRedeemed)
	require.Len(t, redeemed, 1)
	assert.Equal(t, handle.Region, redeemed[0].Metadata["region"])
}
