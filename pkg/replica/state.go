// Package replica tracks the health of a pool of interchangeable inference
// workers and routes requests across the eligible ones.
//
// Health transitions are driven purely by dispatch outcomes reported through
// the tracker: consecutive failures demote a replica through Suspected to
// Unhealthy, and an Unhealthy replica never self-heals — it rejoins the pool
// only by re-registering with a fresh descriptor, the way a restarted worker
// process re-announces itself.
package replica

// State is a replica's health state.
type State int

const (
	// StateHealthy replicas are eligible for dispatch.
	StateHealthy State = iota

	// StateSuspected replicas failed their last request but remain
	// eligible; one more consecutive failure demotes them.
	StateSuspected

	// StateUnhealthy replicas are excluded from dispatch until they
	// re-register.
	StateUnhealthy
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspected:
		return "suspected"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Eligible reports whether a replica in this state may receive requests.
func (s State) Eligible() bool {
	return s == StateHealthy || s == StateSuspected
}

// Thresholds configures how many consecutive failures demote a replica.
type Thresholds struct {
	// SuspectAfter consecutive failures move Healthy to Suspected
	SuspectAfter int

	// UnhealthyAfter consecutive failures move Suspected to Unhealthy
	UnhealthyAfter int
}

// DefaultThresholds suspects on the first failure and removes on the second.
func DefaultThresholds() Thresholds {
	return Thresholds{SuspectAfter: 1, UnhealthyAfter: 2}
}

// Valid reports whether the thresholds are internally consistent.
func (t Thresholds) Valid() bool {
	return t.SuspectAfter >= 1 && t.UnhealthyAfter > t.SuspectAfter
}

// Next computes the state and consecutive-failure count after one dispatch
// outcome. It is a pure function of its inputs: the tracker applies it under
// its lock, and tests exercise it directly.
//
// A success resets the failure count and restores Healthy, except from
// Unhealthy: a replica that crossed the removal threshold stays out of the
// pool no matter what straggler responses arrive afterwards.
func (t Thresholds) Next(current State, failures int, success bool) (State, int) {
	if current == StateUnhealthy {
		return StateUnhealthy, failures
	}
	if success {
		return StateHealthy, 0
	}
	failures++
	switch {
	case failures >= t.UnhealthyAfter:
		return StateUnhealthy, failures
	case failures >= t.SuspectAfter:
		return StateSuspected, failures
	default:
		return StateHealthy, failures
	}
}
