package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// SimGenerator is a deterministic generator: the completion for a prompt is
// a pure function of the prompt and the loaded weights, so tests can assert
// that new weights actually change behavior. Failure and crash injection
// hooks drive the router and placement paths without real processes.
type SimGenerator struct {
	id      string
	latency time.Duration

	mu        sync.Mutex
	loaded    *rl.Snapshot
	failNext  int
	crashed   bool
	generated int
}

// SimOption configures a SimGenerator.
type SimOption func(*SimGenerator)

// WithLatency adds a fixed delay to each Generate call.
func WithLatency(d time.Duration) SimOption {
	return func(g *SimGenerator) { g.latency = d }
}

// NewSimGenerator creates a worker with no weights loaded (version 0).
func NewSimGenerator(id string, opts ...SimOption) *SimGenerator {
	g := &SimGenerator{id: id}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ID returns the worker identity.
func (g *SimGenerator) ID() string {
	return g.id
}

// Generate completes a prompt using the currently loaded weights.
func (g *SimGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	g.mu.Lock()
	if g.crashed {
		g.mu.Unlock()
		return GenerateResponse{}, rl.ErrWorkerCrashed(g.id, errors.New("simulated crash"))
	}
	if g.failNext > 0 {
		g.failNext--
		g.mu.Unlock()
		return GenerateResponse{}, fmt.Errorf("%s: injected generation failure", g.id)
	}
	version := g.loadedVersionLocked()
	checksum := g.loadedChecksumLocked()
	g.generated++
	latency := g.latency
	g.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return GenerateResponse{}, ctx.Err()
		}
	}

	return GenerateResponse{
		Text:    completionFor(req.Prompt, version, checksum),
		Version: version,
		Replica: g.id,
	}, nil
}

// LoadWeights installs a private copy of the snapshot. The caller keeps
// ownership of the one it passed in.
func (g *SimGenerator) LoadWeights(ctx context.Context, snap *rl.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		return errors.New("load_weights requires a snapshot")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.crashed {
		return rl.ErrWorkerCrashed(g.id, errors.New("simulated crash"))
	}
	g.loaded = snap.Clone()
	return nil
}

// Ping reports liveness; a crashed worker fails its probe.
func (g *SimGenerator) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.crashed {
		return rl.ErrWorkerCrashed(g.id, errors.New("simulated crash"))
	}
	return nil
}

// FailNext makes the next n Generate calls fail with an injected error.
func (g *SimGenerator) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// Crash puts the worker into a crashed state; every call fails until the
// placement layer replaces it.
func (g *SimGenerator) Crash() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.crashed = true
}

// Version returns the policy version of the loaded weights, zero if none.
func (g *SimGenerator) Version() rl.PolicyVersion {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadedVersionLocked()
}

// Generated returns how many completions this worker has served.
func (g *SimGenerator) Generated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generated
}

func (g *SimGenerator) loadedVersionLocked() rl.PolicyVersion {
	if g.loaded == nil {
		return 0
	}
	return g.loaded.Version
}

func (g *SimGenerator) loadedChecksumLocked() uint64 {
	if g.loaded == nil {
		return 0
	}
	return g.loaded.Checksum()
}

// completionFor derives a stable completion from the prompt and the weight
// identity.
func completionFor(prompt string, version rl.PolicyVersion, weightsChecksum uint64) string {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], weightsChecksum)
	h.Write(buf[:])
	return fmt.Sprintf("%s -> v%d:%016x", prompt, version, h.Sum64())
}

var _ Generator = (*SimGenerator)(nil)
