// Package loop contains the two long-running actors of the runtime: the
// rollout loop (generate, score, buffer) and the training loop (sample,
// update, publish). Both suspend only at points that observe their
// context, so a stop request interrupts any wait.
package loop

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

var tracer = otel.Tracer("monarch-rl/loop")

// Prompts feeds the rollout loop. Next blocks until a prompt is available
// or the context ends.
type Prompts interface {
	Next(ctx context.Context) (string, error)
}

// StaticPrompts cycles through a fixed prompt list. It never blocks.
type StaticPrompts struct {
	mu      sync.Mutex
	prompts []string
	next    int
}

// NewStaticPrompts builds a cycling source over the given prompts.
func NewStaticPrompts(prompts ...string) (*StaticPrompts, error) {
	if len(prompts) == 0 {
		return nil, rl.ErrInvalidConfiguration("prompts", len(prompts), "at least one prompt is required")
	}
	return &StaticPrompts{prompts: prompts}, nil
}

// Next returns the next prompt in rotation.
func (s *StaticPrompts) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prompts[s.next%len(s.prompts)]
	s.next++
	return p, nil
}

// RewardFunc scores one completion against its prompt.
type RewardFunc func(prompt, completion string) float64

// LengthReward is the stock scoring function: longer completions score
// higher, saturating at 1.0. Deterministic, which keeps simulated runs
// reproducible.
func LengthReward(prompt, completion string) float64 {
	const saturation = 64.0
	r := float64(len(completion)) / saturation
	if r > 1.0 {
		r = 1.0
	}
	return r
}

// Updater computes the next weights from the current weights and a batch
// of scored trajectories. Implementations must not mutate either input;
// the returned snapshot's version field is stamped by the training loop.
type Updater interface {
	Update(ctx context.Context, current *rl.Snapshot, batch []rl.Trajectory) (*rl.Snapshot, error)
}

// SimUpdater is a deterministic stand-in for a gradient step: it perturbs
// every parameter buffer with a digest of the batch, so each update
// changes the weight checksum in a reproducible way.
type SimUpdater struct {
	steps atomic.Int64
}

// NewSimUpdater returns a ready updater.
func NewSimUpdater() *SimUpdater {
	return &SimUpdater{}
}

// Update clones the current snapshot and mixes the batch digest into every
// parameter buffer.
func (u *SimUpdater) Update(ctx context.Context, current *rl.Snapshot, batch []rl.Trajectory) (*rl.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := u.steps.Add(1)

	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(step))
	h.Write(buf[:])
	for _, t := range batch {
		h.Write([]byte(t.ID))
		binary.BigEndian.PutUint64(buf[:], uint64(t.Version))
		h.Write(buf[:])
		// Through int64 first: float-to-uint64 of a negative reward is
		// unspecified, int64 truncation is not.
		binary.BigEndian.PutUint64(buf[:], uint64(int64(t.Reward*1e6)))
		h.Write(buf[:])
	}
	digest := h.Sum64()

	next := current.Clone()
	for i := range next.Params {
		data := next.Params[i].Data
		for j := range data {
			data[j] += byte(digest >> (uint(j%8) * 8))
		}
	}
	return next, nil
}

// Steps returns how many updates have been computed.
func (u *SimUpdater) Steps() int64 {
	return u.steps.Load()
}
