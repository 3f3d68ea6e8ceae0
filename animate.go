package taskloop

import (
	"math"
	"sync"
	"time"
)

// defaultFrameInterval approximates a 60Hz frame cadence.
const defaultFrameInterval = 16667 * time.Microsecond

// StopValue is the type of the [Stop] sentinel.
type StopValue struct{}

// String implements [fmt.Stringer].
func (StopValue) String() string { return "stop" }

// Stop is the sentinel a [FrameFunc] returns, or panics with, to end its
// animation normally. The animation task then fulfils with Stop.
var Stop = StopValue{}

// FrameFunc is an animation frame callback. elapsed is the time since the
// animation started, in seconds at millisecond resolution, and never
// decreases from one frame to the next.
type FrameFunc func(elapsed float64) Result

// AnimateOption configures [Animate].
type AnimateOption func(*animateOptions)

type animateOptions struct {
	interval time.Duration
}

// WithFrameInterval sets the delay between frames. Values of zero or less
// are ignored, keeping the default of roughly 60 frames per second.
func WithFrameInterval(d time.Duration) AnimateOption {
	return func(o *animateOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// Animation is a cancellable task that invokes a frame callback at a fixed
// cadence on the loop goroutine. Frames are strictly serial: the next
// frame is scheduled only after the callback returns. The embedded [Task]
// settles when the animation ends:
//
//   - the callback returns or panics with [Stop]: fulfilled with Stop
//   - the callback panics with anything else: rejected with a [PanicError]
//   - Cancel: cancelled, no further frames
//
// Whichever way it ends, the pending frame timer is released exactly once.
type Animation struct {
	*Task
	loop     *Loop
	cb       FrameFunc
	interval time.Duration
	resolve  ResolveFunc
	reject   RejectFunc
	start    float64
	prev     float64

	mu      sync.Mutex
	timerID TimerID
}

// Animate starts an animation on the loop, with the first frame one
// interval from now. A nil callback rejects the animation immediately.
func Animate(l *Loop, cb FrameFunc, opts ...AnimateOption) *Animation {
	o := animateOptions{interval: defaultFrameInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	a := &Animation{loop: l, cb: cb, interval: o.interval, prev: -1}
	a.Task = NewTask(l, func(resolve ResolveFunc, reject RejectFunc, onCancel OnCancelFunc) {
		a.resolve = resolve
		a.reject = reject
		if cb == nil {
			reject(&TypeError{Message: "taskloop: nil frame callback"})
			return
		}
		onCancel(a.halt)
		a.start = l.Now()
		a.scheduleFrame()
	})
	return a
}

func (a *Animation) scheduleFrame() {
	id, err := a.loop.ScheduleTimer(a.interval, a.frame)
	if err != nil {
		a.reject(err)
		return
	}
	a.mu.Lock()
	a.timerID = id
	a.mu.Unlock()
}

// halt releases the pending frame timer. Before the first frame is
// scheduled the stored ID is zero, which CancelTimer treats as unknown.
func (a *Animation) halt() {
	a.mu.Lock()
	id := a.timerID
	a.mu.Unlock()
	_ = a.loop.CancelTimer(id)
}

func (a *Animation) frame() {
	if a.State() != Pending {
		return
	}
	elapsed := a.nextElapsed()
	out, panicked, pval := a.runFrame(elapsed)
	if panicked {
		if _, ok := pval.(StopValue); ok {
			a.resolve(Stop)
			return
		}
		a.reject(PanicError{Value: pval})
		return
	}
	if _, ok := out.(StopValue); ok {
		a.resolve(Stop)
		return
	}
	a.scheduleFrame()
}

// nextElapsed computes the frame timestamp: seconds since start at
// millisecond resolution. A recomputed value that does not exceed the
// previous frame's is bumped by one millisecond so time never runs
// backwards or stalls.
func (a *Animation) nextElapsed() float64 {
	e := math.Round(a.loop.Now()-a.start) / 1e3
	if e <= a.prev {
		e = a.prev + 0.001
	}
	a.prev = e
	return e
}

func (a *Animation) runFrame(elapsed float64) (out Result, panicked bool, pval any) {
	defer func() {
		if p := recover(); p != nil {
			panicked, pval = true, p
		}
	}()
	out = a.cb(elapsed)
	return
}
