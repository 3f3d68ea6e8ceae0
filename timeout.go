package taskloop

import "time"

// TimedOutValue is the type of the [TimedOut] sentinel.
type TimedOutValue struct{}

// String implements [fmt.Stringer].
func (TimedOutValue) String() string { return "timed out" }

// TimedOut is the fulfilment value delivered by [WithTimeout] when the
// timeout elapses before the inner task settles. A timeout is an expected
// outcome, not an error: the composite task fulfils with this sentinel,
// and callers distinguish it by comparison:
//
//	if res == taskloop.TimedOut { ... }
var TimedOut = TimedOutValue{}

// WithTimeout races t against a timer. If t settles first the timer is
// cancelled, releasing its handle, and the outcome is forwarded unchanged.
// If the timer expires first t is cancelled and the returned task fulfils
// with [TimedOut]. Exactly one of the two reaches a terminal state that is
// externally visible through the result; the loser is always cancelled
// before the result settles.
//
// Cancelling the returned task cancels whichever constituents are still
// pending. A timeout of zero or less expires on the loop's next tick,
// which still lets an already-settled t win.
func WithTimeout(t *Task, timeout time.Duration) *Task {
	l := t.loop
	composite := newPendingTask(l)
	timer := NewTimer(l, timeout, nil)
	composite.OnCancel(func() {
		t.Cancel()
		timer.Cancel()
	})
	t.subscribe(func(st TaskState, res Result) {
		timer.Cancel()
		composite.settle(st, res)
	})
	timer.subscribe(func(st TaskState, _ Result) {
		if st != Fulfilled {
			// the timer lost the race and was cancelled above
			return
		}
		t.Cancel()
		composite.settle(Fulfilled, TimedOut)
	})
	return composite
}
