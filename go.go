package taskloop

import (
	"context"
	"errors"
)

// ErrGoexit is the rejection reason used when a goroutine started by
// [Loop.Go] exits, via runtime.Goexit, without returning.
var ErrGoexit = errors.New("taskloop: goroutine exited before settling")

// Go runs fn on its own goroutine and returns a task, owned by the loop,
// that settles with fn's outcome: the returned value fulfils it, a non-nil
// error rejects it, a panic rejects it with a [PanicError], and a bare
// goroutine exit rejects it with [ErrGoexit].
//
// The context passed to fn is derived from ctx and is cancelled when the
// task is cancelled, so a cooperative fn observes Cancel promptly. The
// task still settles as Cancelled at that point regardless of what fn
// later returns. A nil ctx is treated as context.Background().
func (l *Loop) Go(ctx context.Context, fn func(context.Context) (Result, error)) *Task {
	if fn == nil {
		return l.Reject(&TypeError{Message: "taskloop: nil function"})
	}
	if ctx == nil {
		ctx = context.Background()
	}
	gctx, cancel := context.WithCancel(ctx)
	return NewTask(l, func(resolve ResolveFunc, reject RejectFunc, onCancel OnCancelFunc) {
		onCancel(cancel)
		go func() {
			defer cancel()
			var (
				res    Result
				err    error
				normal bool
			)
			defer func() {
				if p := recover(); p != nil {
					reject(PanicError{Value: p})
					return
				}
				if !normal {
					reject(ErrGoexit)
					return
				}
				if err != nil {
					reject(err)
				} else {
					resolve(res)
				}
			}()
			res, err = fn(gctx)
			normal = true
		}()
	})
}
