package taskloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of loop activity, returned by
// [Loop.Metrics]. Counters are cumulative since [New]; depths reflect the
// instant of the snapshot; latency figures describe the queue delay of
// externally submitted jobs, from [Loop.Submit] to execution.
//
// All fields are zero unless the loop was constructed with
// [WithMetrics](true).
type Metrics struct {
	// Ticks is the number of completed loop iterations.
	Ticks uint64

	// JobsExecuted counts externally submitted jobs that ran.
	JobsExecuted uint64

	// MicrotasksExecuted counts microtasks that ran.
	MicrotasksExecuted uint64

	// TimersFired counts timer callbacks that ran.
	TimersFired uint64

	// TasksCreated counts tasks constructed against this loop.
	TasksCreated uint64

	// TasksSettled counts tasks that reached a terminal state.
	TasksSettled uint64

	// MessagesDelivered counts port messages handed to a receiver.
	MessagesDelivered uint64

	// QueueDepth is the number of external jobs awaiting execution.
	QueueDepth int

	// MicrotaskDepth is the number of queued microtasks.
	MicrotaskDepth int

	// PendingTimers is the number of scheduled, unfired timers.
	PendingTimers int

	// PendingTasks approximates the number of live unsettled tasks.
	PendingTasks int

	// Queue submission latency distribution.
	QueueLatencyMean time.Duration
	QueueLatencyMax  time.Duration
	QueueLatencyP50  time.Duration
	QueueLatencyP95  time.Duration
	QueueLatencyP99  time.Duration
}

// loopMetrics is the live collector behind [Metrics]. A nil *loopMetrics is
// valid and turns every method into a no-op, so call sites need no guards.
type loopMetrics struct {
	ticks      atomic.Uint64
	jobs       atomic.Uint64
	micro      atomic.Uint64
	timers     atomic.Uint64
	created    atomic.Uint64
	settled    atomic.Uint64
	messages   atomic.Uint64
	latencyMu  sync.Mutex
	latencySum time.Duration
	latencyMax time.Duration
	latencyN   uint64
	p50        *quantileEstimator
	p95        *quantileEstimator
	p99        *quantileEstimator
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{
		p50: newQuantileEstimator(0.50),
		p95: newQuantileEstimator(0.95),
		p99: newQuantileEstimator(0.99),
	}
}

func (m *loopMetrics) tickStarted() {
	if m == nil {
		return
	}
	m.ticks.Add(1)
}

func (m *loopMetrics) jobExecuted() {
	if m == nil {
		return
	}
	m.jobs.Add(1)
}

func (m *loopMetrics) microtaskExecuted() {
	if m == nil {
		return
	}
	m.micro.Add(1)
}

func (m *loopMetrics) timerFired() {
	if m == nil {
		return
	}
	m.timers.Add(1)
}

func (m *loopMetrics) taskCreated() {
	if m == nil {
		return
	}
	m.created.Add(1)
}

func (m *loopMetrics) taskSettled() {
	if m == nil {
		return
	}
	m.settled.Add(1)
}

func (m *loopMetrics) messageDelivered() {
	if m == nil {
		return
	}
	m.messages.Add(1)
}

// wrapQueued stamps fn with its enqueue time so the queue delay can be
// observed when the loop finally runs it.
func (m *loopMetrics) wrapQueued(fn func()) func() {
	if m == nil {
		return fn
	}
	enqueued := time.Now()
	return func() {
		m.observeLatency(time.Since(enqueued))
		fn()
	}
}

func (m *loopMetrics) observeLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	m.latencySum += d
	m.latencyN++
	if d > m.latencyMax {
		m.latencyMax = d
	}
	f := float64(d)
	m.p50.observe(f)
	m.p95.observe(f)
	m.p99.observe(f)
}

// Metrics returns a snapshot of the loop's activity counters, queue depths,
// and submission latency distribution. It is safe to call from any
// goroutine. If the loop was not constructed with [WithMetrics](true) the
// zero value is returned.
func (l *Loop) Metrics() Metrics {
	m := l.metrics
	if m == nil {
		return Metrics{}
	}
	snap := Metrics{
		Ticks:              m.ticks.Load(),
		JobsExecuted:       m.jobs.Load(),
		MicrotasksExecuted: m.micro.Load(),
		TimersFired:        m.timers.Load(),
		TasksCreated:       m.created.Load(),
		TasksSettled:       m.settled.Load(),
		MessagesDelivered:  m.messages.Load(),
	}

	l.mu.Lock()
	snap.QueueDepth = l.jobs.len()
	snap.MicrotaskDepth = l.micro.len()
	snap.PendingTimers = len(l.timers)
	l.mu.Unlock()
	snap.PendingTasks = l.registry.len()

	m.latencyMu.Lock()
	if m.latencyN > 0 {
		snap.QueueLatencyMean = m.latencySum / time.Duration(m.latencyN)
	}
	snap.QueueLatencyMax = m.latencyMax
	snap.QueueLatencyP50 = time.Duration(m.p50.estimate())
	snap.QueueLatencyP95 = time.Duration(m.p95.estimate())
	snap.QueueLatencyP99 = time.Duration(m.p99.estimate())
	m.latencyMu.Unlock()

	return snap
}
