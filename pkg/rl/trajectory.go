package rl

import (
	"github.com/google/uuid"
)

// Step is one action/observation pair within a trajectory.
type Step struct {
	Action      string `json:"action"`
	Observation string `json:"observation"`
}

// Trajectory is one scored rollout: a prompt, the steps the generator took,
// the scalar reward, and the PolicyVersion the generating weights carried.
// Trajectories are immutable once created.
type Trajectory struct {
	ID      string        `json:"id"`
	Prompt  string        `json:"prompt"`
	Steps   []Step        `json:"steps"`
	Reward  float64       `json:"reward"`
	Version PolicyVersion `json:"version"`
}

// NewTrajectory builds a trajectory with a fresh unique ID.
func NewTrajectory(prompt string, steps []Step, reward float64, version PolicyVersion) Trajectory {
	return Trajectory{
		ID:      uuid.New().String(),
		Prompt:  prompt,
		Steps:   steps,
		Reward:  reward,
		Version: version,
	}
}
