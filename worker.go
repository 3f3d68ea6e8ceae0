package taskloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// ErrChannelClosed is the cancellation reason given to pending Recv tasks
// when their port closes.
var ErrChannelClosed = errors.New("taskloop: channel closed")

// WorkerFunc is a worker body. It receives a context that is cancelled by
// [Worker.Terminate] and an environment exposing the worker-side port. A
// non-nil error or a panic is an uncaught worker error, reported to the
// host through OnError and [Worker.Done]; returning nil leaves the worker
// alive with its channel open.
type WorkerFunc func(ctx context.Context, env *WorkerEnv) error

// WorkerOption configures [NewWorker].
type WorkerOption func(*workerOptions)

type workerOptions struct {
	fullContext bool
	logger      *logiface.Logger[logiface.Event]
	loggerSet   bool
}

// WithFullContext makes the body run cooperatively on the host loop
// instead of its own loop and goroutine. The body shares the host's
// single thread, so a body that blocks stalls the host; in exchange it
// may touch host-loop state directly. Off by default.
func WithFullContext(enabled bool) WorkerOption {
	return func(o *workerOptions) {
		o.fullContext = enabled
	}
}

// WithWorkerLogger sets the logger for the worker's own loop. The default
// is the host loop's logger.
func WithWorkerLogger(logger *logiface.Logger[logiface.Event]) WorkerOption {
	return func(o *workerOptions) {
		o.logger = logger
		o.loggerSet = true
	}
}

// Worker runs a [WorkerFunc] connected to the host by a pair of message
// ports. In the default mode the worker owns a dedicated loop and
// goroutine; host and worker share no mutable state, and every message
// crosses by structured clone.
type Worker struct {
	host        *Loop
	workerLoop  *Loop
	body        WorkerFunc
	hostPort    *Port
	workerPort  *Port
	ctx         context.Context
	cancel      context.CancelFunc
	done        *Task
	doneResolve ResolveFunc
	doneReject  RejectFunc
	terminated  atomic.Bool
	fullContext bool
}

// NewWorker starts body as a worker attached to host loop l. The returned
// Worker's port is live immediately; messages sent before the body runs
// queue on the worker side.
func NewWorker(l *Loop, body WorkerFunc, opts ...WorkerOption) (*Worker, error) {
	if l == nil {
		return nil, &TypeError{Message: "taskloop: nil loop"}
	}
	if body == nil {
		return nil, &TypeError{Message: "taskloop: worker body must not be nil"}
	}
	var cfg workerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if !cfg.loggerSet {
		cfg.logger = l.log
	}

	w := &Worker{host: l, body: body, fullContext: cfg.fullContext}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if cfg.fullContext {
		w.workerLoop = l
	} else {
		wl, err := New(WithLogger(cfg.logger), WithMetrics(l.metrics != nil))
		if err != nil {
			w.cancel()
			return nil, err
		}
		w.workerLoop = wl
	}

	w.done = NewTask(l, func(resolve ResolveFunc, reject RejectFunc, onCancel OnCancelFunc) {
		w.doneResolve = resolve
		w.doneReject = reject
		onCancel(func() { w.Terminate() })
	})
	if w.done.State() == Cancelled {
		w.cancel()
		return nil, ErrLoopTerminated
	}
	// faults surface through OnError and Done; keep them off the
	// unhandled-rejection report
	w.done.subscribe(func(TaskState, Result) {})

	w.hostPort, w.workerPort = newPortPair(l, w.workerLoop)
	env := &WorkerEnv{worker: w, port: w.workerPort, ctx: w.ctx}

	if cfg.fullContext {
		if err := l.Submit(func() { w.runBody(env) }); err != nil {
			w.Terminate()
			return nil, err
		}
		return w, nil
	}
	go func() { _ = w.workerLoop.Run(context.Background()) }()
	go w.runBody(env)
	return w, nil
}

// Port returns the host-side endpoint of the worker's message channel.
func (w *Worker) Port() *Port {
	return w.hostPort
}

// Done returns a task that settles when the worker ends: fulfilled with
// nil after [Worker.Terminate], rejected with the *WorkerError after an
// uncaught worker error. Cancelling it terminates the worker.
func (w *Worker) Done() *Task {
	return w.done
}

// Terminate shuts the worker down: it cancels the body's context, closes
// both ports (firing OnClose on each end exactly once and cancelling
// pending Recv tasks on both sides), and stops the worker's loop. It is
// idempotent and safe to call from any goroutine, including loop
// callbacks. A body that ignores its context is not forcibly stopped.
func (w *Worker) Terminate() {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.cancel()
	w.hostPort.close(nil)
	w.workerPort.close(nil)
	w.doneResolve(nil)
	w.stopWorkerLoop()
}

// fault ends the worker on an uncaught error. The host port's OnError slot
// and Done observe the error; afterwards the channel is defunct.
func (w *Worker) fault(we *WorkerError) {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.host.log.Err().Err(we).Log("taskloop: uncaught worker error")
	w.cancel()
	w.hostPort.close(we)
	w.workerPort.close(nil)
	w.doneReject(we)
	w.stopWorkerLoop()
}

func (w *Worker) stopWorkerLoop() {
	if w.fullContext {
		return
	}
	// async so termination is safe from the worker loop's own callbacks
	go func() { _ = w.workerLoop.Shutdown(context.Background()) }()
}

func (w *Worker) runBody(env *WorkerEnv) {
	var normal bool
	defer func() {
		if r := recover(); r != nil {
			w.fault(workerErrorFromPanic(r))
		} else if !normal {
			w.fault(&WorkerError{Message: "worker body exited before returning", Cause: ErrGoexit})
		}
	}()
	err := w.body(w.ctx, env)
	normal = true
	if err != nil {
		w.fault(workerErrorFrom(err))
	}
}

func workerErrorFrom(err error) *WorkerError {
	var we *WorkerError
	if errors.As(err, &we) {
		return we
	}
	return &WorkerError{Message: err.Error(), Cause: err}
}

func workerErrorFromPanic(r any) *WorkerError {
	if we, ok := r.(*WorkerError); ok {
		return we
	}
	return &WorkerError{Message: fmt.Sprint(r), Cause: &PanicError{Value: r}}
}

// WorkerEnv is the worker body's view of its host attachment.
type WorkerEnv struct {
	worker *Worker
	port   *Port
	ctx    context.Context
}

// Port returns the worker-side endpoint of the message channel.
func (e *WorkerEnv) Port() *Port {
	return e.port
}

// Loop returns the loop the worker's callbacks run on. In fullContext
// mode this is the host loop.
func (e *WorkerEnv) Loop() *Loop {
	return e.worker.workerLoop
}

// Close requests shutdown from the worker side, equivalent to
// [Worker.Terminate].
func (e *WorkerEnv) Close() {
	e.worker.Terminate()
}

// Fail reports err as an uncaught worker error, exactly as if the body
// had returned it. Callback-phase code that outlives the body's return
// uses this to surface fatal errors.
func (e *WorkerEnv) Fail(err error) {
	if err == nil {
		return
	}
	e.worker.fault(workerErrorFrom(err))
}

// Port is one endpoint of a worker message channel. Messages submitted
// with Send arrive at the peer in order, each consumed exactly once: by
// the peer's OnMessage callback if one is set, otherwise by its oldest
// waiting Recv task, otherwise queued. Slot callbacks run on the
// endpoint's loop.
type Port struct {
	loop *Loop
	peer *Port

	mu             sync.Mutex
	queue          []Result
	waiters        []*recvWaiter
	onMessage      func(Result)
	onMessageError func(error)
	onError        func(*WorkerError)
	onClose        func()
	closed         bool
}

type recvWaiter struct {
	task      *Task
	resolve   ResolveFunc
	cancelled atomic.Bool
}

func newPortPair(hostLoop, workerLoop *Loop) (host, worker *Port) {
	host = &Port{loop: hostLoop}
	worker = &Port{loop: workerLoop}
	host.peer = worker
	worker.peer = host
	return host, worker
}

// Send delivers a structured clone of msg to the peer endpoint. It never
// blocks and reports nothing: once the channel is closed it is a no-op.
// Buffers listed in transfers move instead of copying, detaching the
// local view. If msg cannot be cloned, the *DataCloneError is reported
// through this endpoint's OnMessageError slot and nothing is sent.
func (p *Port) Send(msg Result, transfers ...*Buffer) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	out, err := structuredClone(msg, transfers)
	if err != nil {
		p.reportSendError(err)
		return
	}
	// peer loop gone means the channel is moments from closing; drop
	_ = p.peer.loop.Submit(func() { p.peer.deliver(out) })
}

// Recv returns a task for the next message not consumed by the OnMessage
// path. A message already queued resolves it on the loop's next tick.
// Cancelling the task withdraws the waiter without discarding any
// message. Once the port is closed, returned tasks are cancelled with
// [ErrChannelClosed].
func (p *Port) Recv() *Task {
	w := &recvWaiter{}
	w.task = NewTask(p.loop, func(resolve ResolveFunc, _ RejectFunc, onCancel OnCancelFunc) {
		w.resolve = resolve
		onCancel(func() { w.cancelled.Store(true) })
	})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.task.cancelReason(ErrChannelClosed)
		return w.task
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	_ = p.loop.Submit(p.pump)
	return w.task
}

// OnMessage sets the message callback. While set it has priority over
// Recv waiters and queued messages drain to it in order; nil restores
// the Recv path.
func (p *Port) OnMessage(cb func(Result)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.onMessage = cb
	p.mu.Unlock()
	if cb != nil {
		_ = p.loop.Submit(p.pump)
	}
}

// OnMessageError sets the callback receiving send-side clone failures.
func (p *Port) OnMessageError(cb func(error)) {
	p.mu.Lock()
	if !p.closed {
		p.onMessageError = cb
	}
	p.mu.Unlock()
}

// OnError sets the callback receiving uncaught worker errors. Only the
// host-side port observes them.
func (p *Port) OnError(cb func(*WorkerError)) {
	p.mu.Lock()
	if !p.closed {
		p.onError = cb
	}
	p.mu.Unlock()
}

// OnClose sets the callback fired exactly once when the channel closes.
func (p *Port) OnClose(cb func()) {
	p.mu.Lock()
	if !p.closed {
		p.onClose = cb
	}
	p.mu.Unlock()
}

// deliver enqueues one inbound message. Runs on p.loop.
func (p *Port) deliver(msg Result) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	p.pump()
}

// pump matches queued messages with consumers until one side is empty.
// Runs on p.loop; the queue and waiter list only shrink here, so FIFO
// order holds for both.
func (p *Port) pump() {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		if cb := p.onMessage; cb != nil {
			msg := p.popLocked()
			p.mu.Unlock()
			p.loop.metrics.messageDelivered()
			p.loop.safeExecute(func() { cb(msg) })
			continue
		}
		var w *recvWaiter
		for len(p.waiters) > 0 {
			cand := p.waiters[0]
			p.waiters[0] = nil
			p.waiters = p.waiters[1:]
			if cand.cancelled.Load() || cand.task.State() != Pending {
				continue
			}
			w = cand
			break
		}
		if w == nil {
			p.mu.Unlock()
			return
		}
		msg := p.popLocked()
		p.mu.Unlock()
		if w.task.settleNow(Fulfilled, msg) {
			p.loop.metrics.messageDelivered()
			continue
		}
		// the waiter was cancelled in the window above; keep the message
		p.mu.Lock()
		if !p.closed {
			p.queue = append([]Result{msg}, p.queue...)
		}
		p.mu.Unlock()
	}
}

func (p *Port) popLocked() Result {
	msg := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return msg
}

func (p *Port) reportSendError(err error) {
	p.mu.Lock()
	cb := p.onMessageError
	p.mu.Unlock()
	if cb != nil {
		if p.loop.Submit(func() { p.loop.safeExecute(func() { cb(err) }) }) == nil {
			return
		}
	}
	p.loop.log.Err().Err(err).Log("taskloop: dropped unsendable message")
}

// close makes the port defunct: pending Recv tasks cancel with
// ErrChannelClosed, fault (when non-nil) fires the OnError slot, and
// OnClose fires, all on the port's loop within one tick. Idempotent.
func (p *Port) close(fault *WorkerError) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	onError := p.onError
	onClose := p.onClose
	p.waiters = nil
	p.queue = nil
	p.onMessage = nil
	p.onMessageError = nil
	p.onError = nil
	p.onClose = nil
	p.mu.Unlock()

	cancelWaiters := func() {
		for _, w := range waiters {
			w.task.cancelReason(ErrChannelClosed)
		}
	}
	err := p.loop.Submit(func() {
		if fault != nil && onError != nil {
			p.loop.safeExecute(func() { onError(fault) })
		}
		cancelWaiters()
		if onClose != nil {
			p.loop.safeExecute(onClose)
		}
	})
	if err != nil {
		// loop is gone; settle the waiters here, skip the slots
		cancelWaiters()
	}
}
