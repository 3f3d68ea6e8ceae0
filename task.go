package taskloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Result is the value type carried by tasks: fulfilment values and
// rejection reasons alike.
type Result = any

// ResolveFunc fulfils a task with a value. Passing a *Task makes the task
// adopt that task's eventual settlement instead.
type ResolveFunc func(Result)

// RejectFunc rejects a task with a reason.
type RejectFunc func(Result)

// OnCancelFunc registers a cancellation hook on the task under
// construction. See [Task.OnCancel].
type OnCancelFunc func(func())

// TaskState enumerates the settlement states of a [Task]. A task starts
// Pending and moves exactly once to one of the terminal states.
type TaskState int32

const (
	// Pending means the task has not settled.
	Pending TaskState = iota
	// Fulfilled means the task settled with a value.
	Fulfilled
	// Rejected means the task settled with a failure reason.
	Rejected
	// Cancelled means the task was cancelled. Its result is a *CancelError,
	// observed by handlers through the rejection path.
	Cancelled
)

// String implements [fmt.Stringer].
func (s TaskState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PanicError wraps a value recovered from a panicking executor or handler
// and becomes the rejection reason of the affected task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// AggregateError is the rejection reason produced by [Loop.Any] when every
// input rejects. Errors holds the individual reasons in input order.
type AggregateError struct {
	Message string
	Errors  []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if e.Message == "" {
		return "all tasks rejected"
	}
	return e.Message
}

// reaction is one registered consumer of a task's settlement: a Then/Catch
// pair settling a child task, a Finally cleanup, or an internal observer.
type reaction struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	finallyFn   func()
	observer    func(TaskState, Result)
	child       *Task
}

// Task is a cancellable asynchronous value. It settles exactly once to
// Fulfilled, Rejected, or Cancelled; registered reactions run as
// microtasks on the owning loop.
//
// Cancellation is cooperative: [Task.Cancel] runs the cancellation hooks
// registered while the task was pending, synchronously and in registration
// order, then settles the task as Cancelled with a *CancelError. Tasks
// returned by Then, Catch, and Finally forward Cancel to the task they
// derive from, so cancelling any point of a chain cancels its source.
//
// All methods are safe for concurrent use.
type Task struct {
	loop  *Loop
	state atomic.Int32

	mu         sync.Mutex
	result     Result
	handlers   []reaction
	hooks      []func()
	source     *Task
	handled    bool
	cancelling bool
	regID      uint64
}

func newPendingTask(l *Loop) *Task {
	if l == nil {
		panic("taskloop: nil loop")
	}
	t := &Task{loop: l}
	t.regID = l.registry.add(t)
	l.metrics.taskCreated()
	if !l.state.acceptingWork() {
		t.settle(Cancelled, &CancelError{Reason: ErrLoopTerminated})
	}
	return t
}

// NewTask creates a task governed by executor, which runs synchronously
// before NewTask returns. The executor receives resolve and reject, each
// effective at most once, and onCancel for registering cancellation hooks.
// A panicking executor rejects the task with a [PanicError]. A nil
// executor yields a pending task that can only be cancelled.
func NewTask(l *Loop, executor func(resolve ResolveFunc, reject RejectFunc, onCancel OnCancelFunc)) *Task {
	t := newPendingTask(l)
	if executor == nil {
		return t
	}
	resolve := func(v Result) { t.settle(Fulfilled, v) }
	reject := func(r Result) { t.settle(Rejected, r) }
	onCancel := func(fn func()) { t.OnCancel(fn) }
	func() {
		defer func() {
			if p := recover(); p != nil {
				t.settle(Rejected, PanicError{Value: p})
			}
		}()
		executor(resolve, reject, onCancel)
	}()
	return t
}

// State reports the task's settlement state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Result returns the fulfilment value or the rejection/cancellation
// reason. It is nil while the task is pending; use [Task.State] to
// distinguish a pending task from one settled with nil.
func (t *Task) Result() Result {
	if t.State() == Pending {
		return nil
	}
	// settle publishes result before the state store, so this read is safe
	return t.result
}

// OnCancel registers fn to run if the task is cancelled. Hooks run
// synchronously in the cancelling goroutine, in registration order, each
// exactly once. Returns false once the task has settled or cancellation
// has begun, in which case fn will never run.
func (t *Task) OnCancel(fn func()) bool {
	if fn == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != Pending || t.cancelling {
		return false
	}
	t.hooks = append(t.hooks, fn)
	return true
}

// Cancel cancels the task. On a task derived by Then, Catch, or Finally
// the cancellation is forwarded to the source task, transitively to the
// root of the chain. The cancelled task's hooks run before Cancel returns
// and its state is terminal when it does; reactions observing the
// cancellation still run on the normal microtask schedule.
//
// Cancelling a settled task is a no-op. Cancel is idempotent.
func (t *Task) Cancel() {
	t.cancelReason(nil)
}

func (t *Task) cancelReason(reason Result) {
	for {
		t.mu.Lock()
		if t.State() != Pending || t.cancelling {
			t.mu.Unlock()
			return
		}
		src := t.source
		t.mu.Unlock()
		if src == nil {
			t.settle(Cancelled, &CancelError{Reason: reason})
			return
		}
		t = src
	}
}

// settle is the single settlement path. It is a no-op once the task has
// settled. Fulfilling with a *Task adopts that task instead; settling as
// Cancelled first runs any registered cancellation hooks.
func (t *Task) settle(state TaskState, result Result) {
	if state == Fulfilled {
		if other, ok := result.(*Task); ok {
			t.adopt(other)
			return
		}
	}
	t.settleNow(state, result)
}

// settleNow settles with result exactly as given, bypassing resolution
// adoption, and reports whether this call won the settlement.
func (t *Task) settleNow(state TaskState, result Result) bool {
	if state == Cancelled {
		t.runPendingCancelHooks()
	}
	t.mu.Lock()
	if t.State() != Pending {
		t.mu.Unlock()
		return false
	}
	t.result = result
	hs := t.handlers
	t.handlers = nil
	t.hooks = nil
	// state is published after result so lock-free readers observe both
	t.state.Store(int32(state))
	t.mu.Unlock()
	t.loop.registry.remove(t.regID)
	t.loop.metrics.taskSettled()
	for _, r := range hs {
		t.scheduleReaction(r, state, result)
	}
	if state != Fulfilled {
		t.scheduleUnhandledCheck()
	}
	return true
}

// runPendingCancelHooks runs the registered cancellation hooks exactly
// once, in registration order, synchronously in the calling goroutine. A
// hook may settle the task, in which case the pending cancellation loses.
func (t *Task) runPendingCancelHooks() {
	t.mu.Lock()
	if t.State() != Pending || t.cancelling {
		t.mu.Unlock()
		return
	}
	t.cancelling = true
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()
	for _, h := range hooks {
		t.runCancelHook(h)
	}
}

func (t *Task) runCancelHook(h func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.log.Err().Any("panic", r).Log("taskloop: recovered cancellation hook panic")
		}
	}()
	h()
}

// adopt resolves t with another task's eventual settlement. Cancel on t is
// forwarded to the adopted task from here on.
func (t *Task) adopt(other *Task) {
	if other == t {
		t.settle(Rejected, &TypeError{Message: "taskloop: task cannot resolve with itself"})
		return
	}
	t.mu.Lock()
	if t.State() != Pending {
		t.mu.Unlock()
		return
	}
	t.source = other
	t.mu.Unlock()
	other.subscribe(func(st TaskState, res Result) {
		t.settle(st, res)
	})
}

func (t *Task) addReaction(r reaction) {
	t.mu.Lock()
	if r.onRejected != nil || r.observer != nil {
		t.handled = true
	}
	if t.State() == Pending {
		t.handlers = append(t.handlers, r)
		t.mu.Unlock()
		return
	}
	st := t.State()
	res := t.result
	t.mu.Unlock()
	t.scheduleReaction(r, st, res)
}

func (t *Task) scheduleReaction(r reaction, st TaskState, res Result) {
	err := t.loop.ScheduleMicrotask(func() { t.runReaction(r, st, res) })
	if err == nil {
		return
	}
	// The loop is gone. Observers fire inline; chain children settle
	// cancelled so nothing downstream hangs. User handlers do not run.
	if r.observer != nil {
		r.observer(st, res)
		return
	}
	if r.child != nil {
		r.child.settle(Cancelled, &CancelError{Reason: ErrLoopTerminated})
	}
}

func (t *Task) runReaction(r reaction, st TaskState, res Result) {
	if r.observer != nil {
		r.observer(st, res)
		return
	}
	if r.finallyFn != nil {
		t.runCleanup(r.finallyFn)
		if r.child != nil {
			r.child.settle(st, res)
		}
		return
	}
	var h func(Result) Result
	if st == Fulfilled {
		h = r.onFulfilled
	} else {
		h = r.onRejected
	}
	if h == nil {
		// pass through, preserving Cancelled as Cancelled
		if r.child != nil {
			r.child.settle(st, res)
		}
		return
	}
	out, perr := runProtected(h, res)
	if r.child == nil {
		return
	}
	if perr != nil {
		r.child.settle(Rejected, perr)
	} else {
		r.child.settle(Fulfilled, out)
	}
}

func runProtected(h func(Result) Result, arg Result) (out Result, perr Result) {
	defer func() {
		if p := recover(); p != nil {
			out, perr = nil, PanicError{Value: p}
		}
	}()
	return h(arg), nil
}

func (t *Task) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.log.Err().Any("panic", r).Log("taskloop: recovered cleanup panic")
		}
	}()
	fn()
}

// scheduleUnhandledCheck reports the settlement to the loop's diagnostic
// surface unless a rejection handler was attached by the time the check
// microtask runs.
func (t *Task) scheduleUnhandledCheck() {
	_ = t.loop.ScheduleMicrotask(func() {
		t.mu.Lock()
		handled := t.handled
		t.mu.Unlock()
		if !handled {
			t.loop.reportUnhandled(t.result)
		}
	})
}

// subscribe registers an internal observer of the settlement. Observers
// run on the loop like ordinary reactions and count as handling the
// rejection for unhandled-rejection reporting.
func (t *Task) subscribe(fn func(TaskState, Result)) {
	t.addReaction(reaction{observer: fn})
}

// Then registers reaction handlers and returns a task that settles with
// their outcome. A nil handler passes the settlement through unchanged,
// including the Cancelled state. The returned task forwards Cancel to t.
//
// Handlers run as microtasks on the loop. The value returned by a handler
// fulfils the returned task; a *Task return is adopted; a panic rejects it
// with a [PanicError].
func (t *Task) Then(onFulfilled, onRejected func(Result) Result) *Task {
	child := newPendingTask(t.loop)
	child.mu.Lock()
	child.source = t
	child.mu.Unlock()
	t.addReaction(reaction{onFulfilled: onFulfilled, onRejected: onRejected, child: child})
	return child
}

// Catch registers a rejection handler. It observes both ordinary
// rejections and cancellations; use [errors.Is] with *CancelError, or the
// source task's State, to tell them apart. Equivalent to Then(nil,
// onRejected).
func (t *Task) Catch(onRejected func(Result) Result) *Task {
	return t.Then(nil, onRejected)
}

// Finally registers fn to run once the task settles, regardless of
// outcome, and returns a task that settles identically. A panic in fn is
// logged and discarded; it does not alter the settlement.
func (t *Task) Finally(fn func()) *Task {
	if fn == nil {
		return t.Then(nil, nil)
	}
	child := newPendingTask(t.loop)
	child.mu.Lock()
	child.source = t
	child.mu.Unlock()
	t.addReaction(reaction{finallyFn: fn, child: child})
	return child
}

// ToChannel returns a capacity-one channel that receives the settlement
// value, fulfilment value or rejection reason alike, and is then closed.
// Inspect [Task.State] after receiving to tell the two apart.
func (t *Task) ToChannel() <-chan Result {
	ch := make(chan Result, 1)
	t.subscribe(func(_ TaskState, res Result) {
		ch <- res
		close(ch)
	})
	return ch
}

// Await blocks until the task settles or ctx ends, returning the
// fulfilment value or an error. Rejections yield the reason as an error;
// cancellations yield the *CancelError. Await must not be called from the
// loop goroutine, where it would deadlock; it returns [ErrBlockingOnLoop]
// instead.
func (t *Task) Await(ctx context.Context) (Result, error) {
	if t.loop.onLoop() {
		return nil, ErrBlockingOnLoop
	}
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var (
		st  TaskState
		res Result
	)
	t.subscribe(func(s TaskState, r Result) {
		st, res = s, r
		close(done)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}
	if st == Fulfilled {
		return res, nil
	}
	return nil, reasonError(res)
}

// reasonError converts a rejection reason into an error, wrapping
// non-error reasons.
func reasonError(res Result) error {
	if err, ok := res.(error); ok {
		return err
	}
	return fmt.Errorf("taskloop: task rejected: %v", res)
}
