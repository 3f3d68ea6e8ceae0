package taskloop

import "sync"

// Resolve returns a task fulfilled with v. If v is a *Task owned by this
// loop it is returned as is; a *Task from another loop is adopted.
func (l *Loop) Resolve(v Result) *Task {
	if t, ok := v.(*Task); ok && t.loop == l {
		return t
	}
	t := newPendingTask(l)
	t.settle(Fulfilled, v)
	return t
}

// Reject returns a task rejected with reason. Attach a rejection handler
// or the rejection is reported as unhandled.
func (l *Loop) Reject(reason Result) *Task {
	t := newPendingTask(l)
	t.settle(Rejected, reason)
	return t
}

// Settlement records the outcome of one input task for [Loop.AllSettled].
type Settlement struct {
	// State is the terminal state the task reached.
	State TaskState
	// Value is the fulfilment value; nil unless State is Fulfilled.
	Value Result
	// Reason is the rejection or cancellation reason; nil when fulfilled.
	Reason Result
}

// All returns a task that fulfils with the inputs' values, in input order,
// once every input fulfils. The first input to reject or be cancelled
// settles the result the same way immediately. A nil input counts as
// fulfilled with nil.
//
// Cancelling the returned task cancels every input still pending.
func (l *Loop) All(tasks ...*Task) *Task {
	composite := newPendingTask(l)
	inputs := append([]*Task(nil), tasks...)
	composite.OnCancel(func() { cancelTasks(inputs) })
	n := len(inputs)
	results := make([]Result, n)
	if n == 0 {
		composite.settle(Fulfilled, results)
		return composite
	}
	var mu sync.Mutex
	remaining := n
	for i, in := range inputs {
		if in == nil {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				composite.settle(Fulfilled, results)
			}
			continue
		}
		in.subscribe(func(st TaskState, res Result) {
			if st != Fulfilled {
				composite.settle(st, res)
				return
			}
			mu.Lock()
			results[i] = res
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				composite.settle(Fulfilled, results)
			}
		})
	}
	return composite
}

// Race returns a task that settles the same way as whichever input settles
// first, preserving the Cancelled state. With no inputs the result stays
// pending forever; nil inputs are ignored.
//
// Cancelling the returned task cancels every input still pending.
func (l *Loop) Race(tasks ...*Task) *Task {
	composite := newPendingTask(l)
	inputs := append([]*Task(nil), tasks...)
	composite.OnCancel(func() { cancelTasks(inputs) })
	for _, in := range inputs {
		if in == nil {
			continue
		}
		in.subscribe(func(st TaskState, res Result) {
			composite.settle(st, res)
		})
	}
	return composite
}

// AllSettled returns a task that fulfils with one [Settlement] per input,
// in input order, once every input has settled. It never rejects. A nil
// input records a fulfilment with nil.
//
// Cancelling the returned task cancels every input still pending.
func (l *Loop) AllSettled(tasks ...*Task) *Task {
	composite := newPendingTask(l)
	inputs := append([]*Task(nil), tasks...)
	composite.OnCancel(func() { cancelTasks(inputs) })
	n := len(inputs)
	outcomes := make([]Settlement, n)
	if n == 0 {
		composite.settle(Fulfilled, outcomes)
		return composite
	}
	var mu sync.Mutex
	remaining := n
	record := func(i int, s Settlement) {
		mu.Lock()
		outcomes[i] = s
		remaining--
		done := remaining == 0
		mu.Unlock()
		if done {
			composite.settle(Fulfilled, outcomes)
		}
	}
	for i, in := range inputs {
		if in == nil {
			record(i, Settlement{State: Fulfilled})
			continue
		}
		in.subscribe(func(st TaskState, res Result) {
			if st == Fulfilled {
				record(i, Settlement{State: st, Value: res})
			} else {
				record(i, Settlement{State: st, Reason: res})
			}
		})
	}
	return composite
}

// Any returns a task that fulfils with the first input to fulfil. If every
// input rejects or is cancelled, it rejects with an *AggregateError
// holding the reasons in input order. A nil input counts as fulfilled with
// nil. With no inputs it rejects immediately.
//
// Cancelling the returned task cancels every input still pending.
func (l *Loop) Any(tasks ...*Task) *Task {
	composite := newPendingTask(l)
	inputs := append([]*Task(nil), tasks...)
	composite.OnCancel(func() { cancelTasks(inputs) })
	n := len(inputs)
	if n == 0 {
		composite.settle(Rejected, &AggregateError{Errors: nil})
		return composite
	}
	var mu sync.Mutex
	reasons := make([]error, n)
	remaining := n
	for i, in := range inputs {
		if in == nil {
			composite.settle(Fulfilled, nil)
			continue
		}
		in.subscribe(func(st TaskState, res Result) {
			if st == Fulfilled {
				composite.settle(Fulfilled, res)
				return
			}
			mu.Lock()
			reasons[i] = reasonError(res)
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				composite.settle(Rejected, &AggregateError{Errors: reasons})
			}
		})
	}
	return composite
}

// cancelTasks cancels every non-nil, still-pending task in the slice.
func cancelTasks(tasks []*Task) {
	for _, t := range tasks {
		if t != nil && t.State() == Pending {
			t.Cancel()
		}
	}
}
