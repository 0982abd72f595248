package staging

import (
	"context"
	"errors"
	"sync"
)

// ErrRegionNotFound is returned by a RegionStore when the requested region
// has been released. The channel maps it to a stale-handle failure.
var ErrRegionNotFound = errors.New("staging region not found")

// RegionStore is the data plane: opaque byte regions keyed by region ID.
// The channel serializes region lifecycle; stores only need atomic
// per-operation behavior (a Get concurrent with a Delete returns either the
// complete bytes or ErrRegionNotFound, never a partial region).
//
// Callers must not modify bytes returned by Get.
type RegionStore interface {
	Put(ctx context.Context, region string, data []byte) error
	Get(ctx context.Context, region string) ([]byte, error)
	Delete(ctx context.Context, region string) error
}

// MemoryRegionStore keeps regions in process memory. It is the default
// backend for single-process deployments and tests.
type MemoryRegionStore struct {
	mu      sync.RWMutex
	regions map[string][]byte
}

// NewMemoryRegionStore creates an empty in-memory region store.
func NewMemoryRegionStore() *MemoryRegionStore {
	return &MemoryRegionStore{
		regions: make(map[string][]byte),
	}
}

// Put stores a region.
func (s *MemoryRegionStore) Put(ctx context.Context, region string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[region] = data
	return nil
}

// Get returns the complete region bytes.
func (s *MemoryRegionStore) Get(ctx context.Context, region string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.regions[region]
	if !ok {
		return nil, ErrRegionNotFound
	}
	return data, nil
}

// Delete releases a region. Deleting an absent region is a no-op.
func (s *MemoryRegionStore) Delete(ctx context.Context, region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}

// Len returns the number of live regions, for tests and health reporting.
func (s *MemoryRegionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}

// Compile-time interface compliance check
var _ RegionStore = (*MemoryRegionStore)(nil)
