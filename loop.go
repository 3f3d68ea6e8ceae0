package taskloop

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrLoopTerminated is returned by submission methods once the loop has
	// fully stopped, and is the cancellation reason given to tasks still
	// pending at shutdown.
	ErrLoopTerminated = errors.New("taskloop: loop has been terminated")

	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already being driven by another goroutine.
	ErrLoopAlreadyRunning = errors.New("taskloop: loop is already running")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("taskloop: cannot call Run from within the loop")

	// ErrBlockingOnLoop is returned by blocking operations (Await, Shutdown,
	// Close) invoked from the loop goroutine, where they would deadlock.
	ErrBlockingOnLoop = errors.New("taskloop: blocking call on the loop goroutine")

	// ErrTimerNotFound is returned by CancelTimer for an ID that is unknown,
	// already fired, or already cancelled.
	ErrTimerNotFound = errors.New("taskloop: timer not found")
)

const (
	// externalBudget bounds how many externally submitted callbacks run per
	// tick, so timers and microtasks cannot be starved by a busy producer.
	externalBudget = 128
	// scavengeBatch is how many registry entries are examined per tick.
	scavengeBatch = 16
)

// TimerID identifies a timer scheduled on a Loop. IDs are never reused for
// the lifetime of the loop.
type TimerID uint64

// loopTimer is a heap entry for a pending timer callback.
type loopTimer struct {
	fn       func()
	deadline time.Time
	id       TimerID
	seq      uint64
	index    int
}

// timerHeap orders timers by deadline, breaking ties by scheduling order so
// timers with equal deadlines fire FIFO.
type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop is a single-threaded cooperative scheduler. One goroutine, the one
// that calls [Loop.Run], executes every callback: externally submitted
// jobs, microtasks, and timer expirations. All other methods are safe to
// call from any goroutine.
//
// Within a tick the loop runs expired timers first, then a bounded batch
// of external jobs, then drains the microtask queue to empty. A microtask
// scheduled during a tick therefore runs before that tick ends. With
// nothing to do the loop parks until work arrives or the next timer is
// due.
type Loop struct {
	mu       sync.Mutex
	jobs     jobQueue
	micro    jobQueue
	timers   timerHeap
	timerIDs map[TimerID]*loopTimer
	timerSeq uint64

	state    lifecycle
	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	stopReq  atomic.Bool
	hardStop atomic.Bool

	anchor  atomic.Pointer[time.Time]
	elapsed atomic.Int64
	goid    atomic.Uint64

	registry    taskRegistry
	log         *logiface.Logger[logiface.Event]
	onUnhandled func(reason Result)
	metrics     *loopMetrics

	parkTimer *time.Timer
}

// New creates a Loop. The loop executes nothing until [Loop.Run] is
// called; work submitted before then is queued.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		timerIDs:    make(map[TimerID]*loopTimer),
		log:         cfg.logger,
		onUnhandled: cfg.unhandledRejection,
	}
	if cfg.metricsEnabled {
		l.metrics = newLoopMetrics()
	}
	return l, nil
}

// Run drives the loop until the context is cancelled or [Loop.Shutdown] or
// [Loop.Close] is called. It blocks for the life of the loop; every
// callback executes on the calling goroutine.
//
// Run returns nil after an explicit Shutdown or Close, ctx.Err() when the
// context ended the loop, ErrLoopAlreadyRunning when another goroutine is
// driving the loop, ErrReentrantRun when called from a loop callback, and
// ErrLoopTerminated when the loop already stopped.
func (l *Loop) Run(ctx context.Context) error {
	if l.onLoop() {
		return ErrReentrantRun
	}
	if old, ok := l.state.transitionAny(StateRunning, StateAwake); !ok {
		if old == StateTerminating || old == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	l.goid.Store(goroutineID())
	defer l.goid.Store(0)
	now := time.Now()
	l.anchor.Store(&now)
	l.parkTimer = time.NewTimer(time.Hour)
	defer l.parkTimer.Stop()
	l.log.Debug().Log("taskloop: loop running")

	for {
		if l.stopReq.Load() || ctx.Err() != nil {
			break
		}
		l.tick()
		if l.stopReq.Load() || ctx.Err() != nil {
			break
		}
		l.park(ctx)
	}

	explicit := l.stopReq.Load()
	l.state.transitionAny(StateTerminating, StateRunning, StateSleeping)
	l.terminate()
	l.log.Debug().Bool("graceful", !l.hardStop.Load()).Log("taskloop: loop terminated")
	if !explicit && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// tick runs one scheduling pass.
func (l *Loop) tick() {
	now := time.Now()
	if p := l.anchor.Load(); p != nil {
		l.elapsed.Store(int64(now.Sub(*p)))
	}
	l.metrics.tickStarted()
	l.runDueTimers(now)
	l.runExternal(externalBudget)
	l.drainMicrotasks()
	l.registry.scavenge(scavengeBatch)
}

func (l *Loop) runDueTimers(now time.Time) {
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*loopTimer)
		delete(l.timerIDs, t.id)
		l.mu.Unlock()
		l.metrics.timerFired()
		l.safeExecute(t.fn)
	}
}

func (l *Loop) runExternal(budget int) {
	for range budget {
		l.mu.Lock()
		fn, ok := l.jobs.pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		l.metrics.jobExecuted()
		l.safeExecute(fn)
	}
}

func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		fn, ok := l.micro.pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		l.metrics.microtaskExecuted()
		l.safeExecute(fn)
	}
}

// park blocks until work arrives, the next timer is due, or the context
// ends. A stale wake token causes at most one spurious pass.
func (l *Loop) park(ctx context.Context) {
	l.mu.Lock()
	if l.jobs.len() > 0 || l.micro.len() > 0 {
		l.mu.Unlock()
		return
	}
	var waitC <-chan time.Time
	if len(l.timers) > 0 {
		wait := time.Until(l.timers[0].deadline)
		if wait <= 0 {
			l.mu.Unlock()
			return
		}
		if !l.parkTimer.Stop() {
			select {
			case <-l.parkTimer.C:
			default:
			}
		}
		l.parkTimer.Reset(wait)
		waitC = l.parkTimer.C
	}
	l.mu.Unlock()
	if !l.state.transition(StateRunning, StateSleeping) {
		return
	}
	select {
	case <-l.wake:
	case <-waitC:
	case <-ctx.Done():
	}
	l.state.transition(StateSleeping, StateRunning)
}

// terminate is the single exit path for the run loop. It drains or
// discards queued work, cancels every still-pending registered task, and
// moves the loop to StateTerminated.
func (l *Loop) terminate() {
	l.settleQueues()
	// Cancellation hooks run here, on this goroutine; reactions they
	// schedule are picked up by the next settle pass.
	l.registry.cancelAll(ErrLoopTerminated)
	l.settleQueues()
	l.mu.Lock()
	l.timers = nil
	l.timerIDs = nil
	l.mu.Unlock()
	l.state.transitionAny(StateTerminated, StateTerminating)
	// Submissions and tasks that raced the state transition are swept
	// before the terminated state becomes observable via stopped.
	l.settleQueues()
	l.registry.cancelAll(ErrLoopTerminated)
	l.stopOnce.Do(func() { close(l.stopped) })
}

// settleQueues empties both queues, executing their callbacks for a
// graceful stop and dropping them for a hard one.
func (l *Loop) settleQueues() {
	if l.hardStop.Load() {
		l.discardQueues()
		return
	}
	for {
		l.runExternal(externalBudget)
		l.drainMicrotasks()
		if l.hardStop.Load() {
			l.discardQueues()
			return
		}
		l.mu.Lock()
		empty := l.jobs.len() == 0 && l.micro.len() == 0
		l.mu.Unlock()
		if empty {
			return
		}
	}
}

func (l *Loop) discardQueues() {
	l.mu.Lock()
	l.jobs.clear()
	l.micro.clear()
	l.mu.Unlock()
}

// finalizeNeverRan completes shutdown for a loop whose Run was never
// called. Queued work is dropped; cancellation hooks for pending tasks run
// in the caller's goroutine.
func (l *Loop) finalizeNeverRan() {
	l.discardQueues()
	l.registry.cancelAll(ErrLoopTerminated)
	l.discardQueues()
	l.mu.Lock()
	l.timers = nil
	l.timerIDs = nil
	l.mu.Unlock()
	l.stopOnce.Do(func() { close(l.stopped) })
}

// Shutdown stops the loop gracefully: queued work is drained, then every
// still-pending task registered on the loop is cancelled with
// [ErrLoopTerminated] as the reason. Shutdown blocks until termination
// completes or ctx ends; in the latter case termination continues in the
// background and ctx.Err() is returned.
//
// Shutdown is idempotent and safe from any goroutine except the loop's
// own, where it returns [ErrBlockingOnLoop].
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.onLoop() {
		return ErrBlockingOnLoop
	}
	if l.state.transition(StateAwake, StateTerminated) {
		l.finalizeNeverRan()
		return nil
	}
	l.stopReq.Store(true)
	l.wakeUp()
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop immediately. Queued work is discarded rather than
// drained; pending tasks are still cancelled so nothing observing them can
// hang. Close blocks until termination completes. Calling it from a loop
// callback returns [ErrBlockingOnLoop].
func (l *Loop) Close() error {
	if l.onLoop() {
		return ErrBlockingOnLoop
	}
	if l.state.transition(StateAwake, StateTerminated) {
		l.finalizeNeverRan()
		return nil
	}
	l.hardStop.Store(true)
	l.stopReq.Store(true)
	l.wakeUp()
	<-l.stopped
	return nil
}

// Submit queues fn to run on the loop goroutine during a subsequent tick.
// It is safe from any goroutine, including loop callbacks. Returns
// [ErrLoopTerminated] once the loop has fully stopped.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return &TypeError{Message: "taskloop: nil function"}
	}
	if l.metrics != nil {
		fn = l.metrics.wrapQueued(fn)
	}
	l.mu.Lock()
	if !l.state.acceptingWork() {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.jobs.push(fn)
	l.mu.Unlock()
	l.wakeUp()
	return nil
}

// ScheduleMicrotask queues fn on the microtask queue. Microtasks run after
// the current batch of jobs and before the tick ends; one scheduled from
// within a tick runs in that same tick. Returns [ErrLoopTerminated] once
// the loop has fully stopped.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return &TypeError{Message: "taskloop: nil function"}
	}
	l.mu.Lock()
	if !l.state.acceptingWork() {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.micro.push(fn)
	l.mu.Unlock()
	l.wakeUp()
	return nil
}

// ScheduleTimer queues fn to run on the loop goroutine once delay has
// elapsed. A delay of zero or less fires on the next tick, before any
// timer with a later deadline; timers with equal deadlines fire in
// scheduling order.
//
// The returned ID can be passed to [Loop.CancelTimer] to release the timer
// before it fires.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, &TypeError{Message: "taskloop: nil function"}
	}
	if delay < 0 {
		delay = 0
	}
	deadline := time.Now().Add(delay)
	l.mu.Lock()
	if !l.state.acceptingWork() || l.timerIDs == nil {
		l.mu.Unlock()
		return 0, ErrLoopTerminated
	}
	l.timerSeq++
	t := &loopTimer{
		fn:       fn,
		deadline: deadline,
		id:       TimerID(l.timerSeq),
		seq:      l.timerSeq,
	}
	heap.Push(&l.timers, t)
	l.timerIDs[t.id] = t
	l.mu.Unlock()
	l.wakeUp()
	return t.id, nil
}

// CancelTimer releases the timer with the given ID; its callback will not
// run. Each timer is released exactly once, by firing or by the first
// successful CancelTimer: later attempts return [ErrTimerNotFound].
func (l *Loop) CancelTimer(id TimerID) error {
	l.mu.Lock()
	if !l.state.acceptingWork() || l.timerIDs == nil {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	t, ok := l.timerIDs[id]
	if !ok {
		l.mu.Unlock()
		return ErrTimerNotFound
	}
	delete(l.timerIDs, id)
	heap.Remove(&l.timers, t.index)
	l.mu.Unlock()
	return nil
}

// State reports the loop's lifecycle state.
func (l *Loop) State() LoopState {
	return l.state.load()
}

// Logger returns the logger the loop was configured with, possibly nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.log
}

// CurrentTickTime returns the loop's view of the current time, updated at
// the start of each tick. Before Run it falls back to the real clock.
func (l *Loop) CurrentTickTime() time.Time {
	p := l.anchor.Load()
	if p == nil {
		return time.Now()
	}
	return p.Add(time.Duration(l.elapsed.Load()))
}

// Now returns milliseconds elapsed since Run started, with sub-millisecond
// precision, measured on the monotonic clock. It is the loop's
// performance-clock analog and is zero before Run.
func (l *Loop) Now() float64 {
	p := l.anchor.Load()
	if p == nil {
		return 0
	}
	return float64(time.Since(*p).Microseconds()) / 1e3
}

// wakeUp nudges a parked loop. The buffered token makes the notification
// level-triggered: a token left over from an earlier nudge causes at most
// one spurious pass.
func (l *Loop) wakeUp() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// safeExecute isolates the loop from panicking callbacks. The panic is
// logged and the loop carries on.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Err().
				Any("panic", r).
				Str("stack", string(debug.Stack())).
				Log("taskloop: recovered callback panic")
		}
	}()
	fn()
}

// reportUnhandled surfaces a rejection that settled with no handler
// attached. Rate limited so a rejection storm cannot flood the log.
func (l *Loop) reportUnhandled(reason Result) {
	b := l.log.Err().Limit()
	if err, ok := reason.(error); ok {
		b = b.Err(err)
	} else {
		b = b.Any("reason", reason)
	}
	b.Log("taskloop: unhandled rejection")
	if l.onUnhandled != nil {
		l.onUnhandled(reason)
	}
}

func (l *Loop) onLoop() bool {
	id := l.goid.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the numeric ID from the current goroutine's stack
// header ("goroutine 123 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
