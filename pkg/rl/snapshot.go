// Package rl defines the core domain types shared across the training
// runtime: policy versions, weight snapshots, trajectories, and the error
// taxonomy used by every component.
package rl

import (
	"hash/fnv"
)

// PolicyVersion identifies the training step that produced a weight
// snapshot, or that a trajectory was generated under. It is strictly
// increasing; the training loop is the only writer and increments it
// exactly once per completed update.
type PolicyVersion uint64

// Parameter is a single named weight buffer with enough metadata for the
// receiver to reconstruct the tensor it encodes.
type Parameter struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
	DType string  `json:"dtype"`
	Data  []byte  `json:"data"`
}

// Snapshot is an ordered collection of named parameter buffers plus the
// PolicyVersion that produced it. Once published to the staging channel the
// staged copy and the producer's live copy are independent.
type Snapshot struct {
	Version PolicyVersion `json:"version"`
	Params  []Parameter   `json:"params"`
}

// Clone returns a deep copy of the snapshot. Parameter data, shapes, and
// the parameter slice itself share no memory with the receiver.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Version: s.Version,
		Params:  make([]Parameter, len(s.Params)),
	}
	for i, p := range s.Params {
		cp := Parameter{
			Name:  p.Name,
			DType: p.DType,
		}
		if p.Shape != nil {
			cp.Shape = make([]int64, len(p.Shape))
			copy(cp.Shape, p.Shape)
		}
		if p.Data != nil {
			cp.Data = make([]byte, len(p.Data))
			copy(cp.Data, p.Data)
		}
		out.Params[i] = cp
	}
	return out
}

// SizeBytes returns the total payload size of all parameter buffers.
func (s *Snapshot) SizeBytes() int64 {
	var n int64
	for _, p := range s.Params {
		n += int64(len(p.Data))
	}
	return n
}

// Checksum returns a stable FNV-1a digest over parameter names and bytes,
// in parameter order. Two snapshots with identical content hash equal.
func (s *Snapshot) Checksum() uint64 {
	h := fnv.New64a()
	for _, p := range s.Params {
		h.Write([]byte(p.Name))
		h.Write(p.Data)
	}
	return h.Sum64()
}
