package taskloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimerFunc produces the fulfilment value of an expiring [Timer]. It runs
// on the loop goroutine unless the timer was fired explicitly.
type TimerFunc func() Result

// Timer is a cancellable task that settles after a delay. It embeds the
// underlying [Task], so the full chaining and cancellation surface
// applies: Cancel before expiry releases the scheduling handle and the
// handler never runs; Cancel after the handler ran is a no-op.
type Timer struct {
	*Task
	loop    *Loop
	id      TimerID
	handler TimerFunc
	resolve ResolveFunc
	reject  RejectFunc
}

// NewTimer schedules a timer on the loop. After d elapses the handler runs
// on the loop goroutine and its return value fulfils the timer; a nil
// handler fulfils it with nil. A negative d is treated as zero, which
// fires on the loop's next tick. The scheduling handle is released exactly
// once, whether the timer expires, is fired explicitly, or is cancelled.
func NewTimer(l *Loop, d time.Duration, handler TimerFunc) *Timer {
	tm := &Timer{loop: l, handler: handler}
	tm.Task = NewTask(l, func(resolve ResolveFunc, reject RejectFunc, onCancel OnCancelFunc) {
		tm.resolve = resolve
		tm.reject = reject
		id, err := l.ScheduleTimer(d, tm.run)
		if err != nil {
			reject(err)
			return
		}
		tm.id = id
		onCancel(func() {
			// already-released is fine: the handle went with the firing
			_ = l.CancelTimer(id)
		})
	})
	return tm
}

// Fire settles the timer immediately instead of waiting for its deadline:
// the handler runs in the calling goroutine and its result fulfils the
// timer. Fire is a no-op once the timer has fired, been cancelled, or
// otherwise settled; the handler can never run twice.
func (tm *Timer) Fire() {
	if tm.State() != Pending {
		return
	}
	if err := tm.loop.CancelTimer(tm.id); err != nil {
		// handle already released: the timer fired or was cancelled
		return
	}
	tm.run()
}

// run executes the handler and settles the timer. It is reached exactly
// once, either by the loop on expiry or by the winner of Fire's handle
// release.
func (tm *Timer) run() {
	if tm.State() != Pending {
		return
	}
	var (
		out      Result
		panicked bool
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				panicked = true
				tm.reject(PanicError{Value: p})
			}
		}()
		if tm.handler != nil {
			out = tm.handler()
		}
	}()
	if !panicked {
		tm.resolve(out)
	}
}

// Interval repeatedly runs a callback on the loop goroutine. Invocations
// are strictly serial: the next one is scheduled only after the previous
// callback returns, so a slow callback stretches the effective period
// rather than overlapping itself.
type Interval struct {
	loop    *Loop
	fn      func()
	d       time.Duration
	stopped atomic.Bool
	mu      sync.Mutex
	id      TimerID
}

// NewInterval schedules fn to run every d on the loop goroutine, starting
// one period from now. A negative d is treated as zero. Stop the interval
// with [Interval.Stop]; an interval on a loop that shuts down stops
// implicitly.
func NewInterval(l *Loop, d time.Duration, fn func()) (*Interval, error) {
	if fn == nil {
		return nil, &TypeError{Message: "taskloop: nil function"}
	}
	if d < 0 {
		d = 0
	}
	iv := &Interval{loop: l, fn: fn, d: d}
	if err := iv.schedule(); err != nil {
		return nil, err
	}
	return iv, nil
}

func (iv *Interval) schedule() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.stopped.Load() {
		return nil
	}
	id, err := iv.loop.ScheduleTimer(iv.d, iv.tick)
	if err != nil {
		return err
	}
	iv.id = id
	return nil
}

func (iv *Interval) tick() {
	if iv.stopped.Load() {
		return
	}
	iv.fn()
	_ = iv.schedule()
}

// Stop cancels the interval. It is idempotent and safe to call from the
// interval's own callback; the callback is never invoked again after Stop
// returns (when called off the loop goroutine, after the in-flight
// invocation, if any, returns).
func (iv *Interval) Stop() {
	if !iv.stopped.CompareAndSwap(false, true) {
		return
	}
	iv.mu.Lock()
	id := iv.id
	iv.mu.Unlock()
	_ = iv.loop.CancelTimer(id)
}
