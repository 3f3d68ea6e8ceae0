package taskloop

import (
	"sync"
	"weak"
)

// taskRegistry tracks every pending task created on a loop so shutdown can
// cancel them. Entries are weak pointers: a pending task that becomes
// unreachable can never settle, and holding it strongly would leak it for
// the life of the loop. Settled tasks remove themselves; entries whose
// tasks were collected are pruned incrementally by scavenge.
type taskRegistry struct {
	mu   sync.Mutex
	seq  uint64
	live map[uint64]weak.Pointer[Task]
}

func (r *taskRegistry) add(t *Task) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == nil {
		r.live = make(map[uint64]weak.Pointer[Task])
	}
	r.seq++
	r.live[r.seq] = weak.Make(t)
	return r.seq
}

func (r *taskRegistry) remove(id uint64) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

func (r *taskRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// scavenge examines up to n entries and drops those whose tasks have been
// collected. Called once per tick so registry growth stays bounded without
// a stop-the-world sweep. Map iteration order varies per call, which is
// what makes the sampling cover all entries over time.
func (r *taskRegistry) scavenge(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, wp := range r.live {
		if n <= 0 {
			return
		}
		n--
		if wp.Value() == nil {
			delete(r.live, id)
		}
	}
}

// cancelAll cancels every still-reachable pending task with the given
// reason. The registry is emptied first so each task's own removal during
// settlement does not contend with the sweep. Cancellation order is
// unspecified.
func (r *taskRegistry) cancelAll(reason Result) {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.live))
	for _, wp := range r.live {
		if t := wp.Value(); t != nil {
			tasks = append(tasks, t)
		}
	}
	clear(r.live)
	r.mu.Unlock()
	for _, t := range tasks {
		t.cancelReason(reason)
	}
}
