// Package taskloop provides a cancellable asynchronous task model for Go:
// a single-threaded event loop scheduling cooperative cancellation-aware
// tasks, timers, timeout races, animation frames, and isolated workers
// connected by message channels.
//
// # Architecture
//
// Everything runs on a [Loop]: a single goroutine that executes timers,
// externally submitted jobs, and microtasks in a fixed per-tick order, then
// parks until more work arrives. [Task] is the unit of asynchrony, a
// promise with a fourth terminal state: alongside Fulfilled and Rejected a
// task can end Cancelled, and [Task.Cancel] runs registered cancellation
// hooks synchronously before the task settles. Chains built with
// [Task.Then] forward cancellation back to their source.
//
// On top of tasks the package layers [NewTimer] (a cancellable one-shot
// whose handle is released exactly once), [WithTimeout] (a race where the
// loser is always cancelled, and timing out is the [TimedOut] fulfilment,
// not an error), [Animate] (serial frames with a monotonic elapsed clock),
// and [NewWorker] (an isolated loop plus goroutine pair joined to the host
// by message [Port]s with structured-clone delivery).
//
// # Thread Safety
//
// The loop body is single-threaded; the submission surface is not:
//   - [Loop.Submit], [Loop.ScheduleMicrotask], and [Loop.ScheduleTimer] are
//     safe from any goroutine
//   - [Task.Cancel], [Task.State], and [Task.Result] are safe from any
//     goroutine; task callbacks always run on the loop goroutine
//   - [Task.Await] blocks the calling goroutine and therefore refuses to
//     run on the loop itself, returning [ErrBlockingOnLoop]
//   - [Port.Send] never blocks and is safe from any goroutine
//
// Within a tick the loop runs due timers first, then a bounded batch of
// submitted jobs, then drains microtasks to empty, so a task settled
// during a tick has its reactions run before the next job executes.
//
// # Usage
//
//	loop, err := taskloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go func() {
//	    task := taskloop.NewTask(loop, func(resolve taskloop.ResolveFunc, _ taskloop.RejectFunc, onCancel taskloop.OnCancelFunc) {
//	        timer := time.AfterFunc(100*time.Millisecond, func() { resolve("done") })
//	        onCancel(func() { timer.Stop() })
//	    })
//	    result, err := taskloop.WithTimeout(task, 50*time.Millisecond).Await(context.Background())
//	    fmt.Println(result, err) // timed out <nil>
//	    _ = loop.Shutdown(context.Background())
//	}()
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
//   - [CancelError]: a task's cancellation reason, matching any other
//     CancelError via errors.Is
//   - [WorkerError]: a structured uncaught worker error
//   - [DataCloneError]: a value that cannot cross a worker channel
//   - [AggregateError]: every input rejected, from [Loop.Any]
//   - [TypeError]: synchronous argument validation
//   - [PanicError]: a recovered callback panic
//
// All implement [error]; wrapper types implement [errors.Unwrap].
package taskloop
