package taskloop

import "sync/atomic"

// LoopState enumerates the lifecycle states of a [Loop].
type LoopState int32

const (
	// StateAwake is the initial state: the loop exists but Run has not been
	// called. Work may already be queued.
	StateAwake LoopState = iota
	// StateRunning means the loop goroutine is executing callbacks.
	StateRunning
	// StateSleeping means the loop goroutine is parked waiting for work or
	// for the next timer deadline.
	StateSleeping
	// StateTerminating means shutdown has begun and queued work is being
	// drained. New submissions are still accepted and will run.
	StateTerminating
	// StateTerminated is the final state. All submissions are rejected with
	// [ErrLoopTerminated].
	StateTerminated
)

// String implements [fmt.Stringer].
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// lifecycle tracks loop state with lock-free transitions. All mutation goes
// through compare-and-swap so concurrent observers (submitters, Shutdown,
// the loop goroutine) agree on a single linear history.
type lifecycle struct {
	v atomic.Int32
}

func (s *lifecycle) load() LoopState {
	return LoopState(s.v.Load())
}

// transition moves from exactly the expected state to the next, reporting
// whether the swap happened.
func (s *lifecycle) transition(from, to LoopState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// transitionAny moves to the target state from whichever of the given
// states currently holds. It returns the state observed at the decision
// point and whether the swap happened.
func (s *lifecycle) transitionAny(to LoopState, from ...LoopState) (LoopState, bool) {
	for {
		cur := s.load()
		eligible := false
		for _, f := range from {
			if cur == f {
				eligible = true
				break
			}
		}
		if !eligible {
			return cur, false
		}
		if s.v.CompareAndSwap(int32(cur), int32(to)) {
			return cur, true
		}
	}
}

// acceptingWork reports whether submissions may still be queued. Every
// state except StateTerminated accepts work; during StateTerminating the
// shutdown drain still executes whatever is queued.
func (s *lifecycle) acceptingWork() bool {
	return s.load() != StateTerminated
}
