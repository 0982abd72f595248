package rl

import (
	"bytes"
	"testing"
)

func testSnapshot(version PolicyVersion) *Snapshot {
	return &Snapshot{
		Version: version,
		Params: []Parameter{
			{Name: "embed.weight", Shape: []int64{4, 8}, DType: "float32", Data: []byte{1, 2, 3, 4}},
			{Name: "head.bias", Shape: []int64{8}, DType: "float32", Data: []byte{9, 8, 7}},
		},
	}
}

func TestSnapshotClone(t *testing.T) {
	orig := testSnapshot(3)
	clone := orig.Clone()

	if clone.Version != orig.Version {
		t.Errorf("clone version %d, want %d", clone.Version, orig.Version)
	}
	if len(clone.Params) != len(orig.Params) {
		t.Fatalf("clone has %d params, want %d", len(clone.Params), len(orig.Params))
	}
	for i := range orig.Params {
		if !bytes.Equal(clone.Params[i].Data, orig.Params[i].Data) {
			t.Errorf("param %d data differs after clone", i)
		}
	}

	// Mutating the clone must not touch the original
	clone.Params[0].Data[0] = 0xFF
	clone.Params[0].Shape[0] = 99
	if orig.Params[0].Data[0] == 0xFF {
		t.Error("clone shares Data memory with original")
	}
	if orig.Params[0].Shape[0] == 99 {
		t.Error("clone shares Shape memory with original")
	}
}

func TestSnapshotCloneNil(t *testing.T) {
	var s *Snapshot
	if s.Clone() != nil {
		t.Error("cloning nil should return nil")
	}
}

func TestSnapshotSizeBytes(t *testing.T) {
	s := testSnapshot(1)
	if got := s.SizeBytes(); got != 7 {
		t.Errorf("SizeBytes = %d, want 7", got)
	}
}

func TestSnapshotChecksum(t *testing.T) {
	a := testSnapshot(1)
	b := testSnapshot(1)

	if a.Checksum() != b.Checksum() {
		t.Error("identical snapshots should hash equal")
	}

	b.Params[1].Data[0] = 0
	if a.Checksum() == b.Checksum() {
		t.Error("differing snapshots should hash differently")
	}
}

func TestNewTrajectory(t *testing.T) {
	steps := []Step{{Action: "token-a", Observation: "ok"}}
	tr := NewTrajectory("prompt", steps, 0.5, 7)

	if tr.ID == "" {
		t.Error("trajectory should get a unique ID")
	}
	if tr.Version != 7 {
		t.Errorf("version = %d, want 7", tr.Version)
	}

	other := NewTrajectory("prompt", steps, 0.5, 7)
	if other.ID == tr.ID {
		t.Error("two trajectories should not share an ID")
	}
}
