package gojaworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	taskloop "github.com/joeycumines/go-taskloop"
	"github.com/joeycumines/logiface"
)

// defaultScriptName is the filename scripts are compiled under, and the
// Filename reported by worker errors.
const defaultScriptName = "worker.js"

// Option configures [Start].
type Option func(*options)

type options struct {
	fullContext bool
	loader      func(name string) (string, error)
	logger      *logiface.Logger[logiface.Event]
	loggerSet   bool
	setup       []func(*goja.Runtime) error
}

// WithFullContext runs the script on the host loop instead of a dedicated
// worker loop and goroutine. The script then shares the host's thread and
// may stall it; importScripts becomes asynchronous, returning a promise.
// Off by default.
func WithFullContext(enabled bool) Option {
	return func(o *options) {
		o.fullContext = enabled
	}
}

// WithScriptLoader supplies the source resolver behind importScripts and
// require. Without one, importScripts throws and require resolves nothing
// beyond the built-in modules.
func WithScriptLoader(loader func(name string) (string, error)) Option {
	return func(o *options) {
		o.loader = loader
	}
}

// WithLogger sets the logger receiving console output and the worker
// loop's diagnostics. The default is the host loop's logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(o *options) {
		o.logger = logger
		o.loggerSet = true
	}
}

// WithRuntimeSetup registers a hook run against the fresh runtime after
// the standard bindings and before the script. Hooks run in registration
// order on the loop the runtime belongs to; a hook error is a worker
// startup failure.
func WithRuntimeSetup(fn func(*goja.Runtime) error) Option {
	return func(o *options) {
		if fn != nil {
			o.setup = append(o.setup, fn)
		}
	}
}

// Start runs source as a worker attached to host loop l, inside a fresh
// [goja.Runtime] bound to the worker's loop. The script sees postMessage,
// close, recv, importScripts, the onmessage/onmessageerror/onerror/onclose
// slots, timers, queueMicrotask, console, and require.
//
// A compile error is returned directly. A goja exception escaping the
// top-level script or any callback is an uncaught worker error: the host
// port's OnError slot receives the *taskloop.WorkerError and the channel
// becomes defunct. A script whose top level completes stays alive to serve
// its registered callbacks until [taskloop.Worker.Terminate] or close().
func Start(l *taskloop.Loop, source string, opts ...Option) (*taskloop.Worker, error) {
	if l == nil {
		return nil, &taskloop.TypeError{Message: "gojaworker: nil loop"}
	}
	var cfg options
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if !cfg.loggerSet {
		cfg.logger = l.Logger()
	}
	prog, err := goja.Compile(defaultScriptName, source, false)
	if err != nil {
		return nil, fmt.Errorf("gojaworker: compile: %w", err)
	}

	var body taskloop.WorkerFunc
	if cfg.fullContext {
		body = func(ctx context.Context, env *taskloop.WorkerEnv) error {
			return newScriptWorker(prog, &cfg, env, ctx).boot()
		}
	} else {
		body = func(ctx context.Context, env *taskloop.WorkerEnv) error {
			errCh := make(chan error, 1)
			if err := env.Loop().Submit(func() {
				if ctx.Err() != nil {
					errCh <- nil
					return
				}
				errCh <- newScriptWorker(prog, &cfg, env, ctx).boot()
			}); err != nil {
				return err
			}
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return nil
			}
		}
	}

	workerOpts := []taskloop.WorkerOption{
		taskloop.WithFullContext(cfg.fullContext),
		taskloop.WithWorkerLogger(cfg.logger),
	}
	return taskloop.NewWorker(l, body, workerOpts...)
}

// scriptWorker owns one runtime and its bindings. Every field is touched
// only on the runtime's loop goroutine.
type scriptWorker struct {
	rt   *goja.Runtime
	loop *taskloop.Loop
	env  *taskloop.WorkerEnv
	ctx  context.Context
	prog *goja.Program
	cfg  *options
	log  *logiface.Logger[logiface.Event]

	intervals    map[int64]*taskloop.Interval
	nextInterval int64

	onmessage      slot
	onmessageerror slot
	onerror        slot
	onclose        slot
}

// slot backs one of the accessor properties. Assigning a non-callable
// clears it, so the getter reads back null, matching browser handler
// slots.
type slot struct {
	raw goja.Value
	fn  goja.Callable
}

func newScriptWorker(prog *goja.Program, cfg *options, env *taskloop.WorkerEnv, ctx context.Context) *scriptWorker {
	return &scriptWorker{
		loop:      env.Loop(),
		env:       env,
		ctx:       ctx,
		prog:      prog,
		cfg:       cfg,
		log:       cfg.logger,
		intervals: make(map[int64]*taskloop.Interval),
	}
}

// boot builds the runtime and runs the top-level script. Runs on the
// worker's loop goroutine.
func (w *scriptWorker) boot() error {
	w.rt = goja.New()
	if err := w.bind(); err != nil {
		return fmt.Errorf("gojaworker: bind: %w", err)
	}
	for _, setup := range w.cfg.setup {
		if err := setup(w.rt); err != nil {
			return fmt.Errorf("gojaworker: runtime setup: %w", err)
		}
	}
	if _, err := w.rt.RunProgram(w.prog); err != nil {
		return w.workerError(err)
	}
	return nil
}

func (w *scriptWorker) bind() error {
	rt := w.rt
	bindings := []struct {
		name string
		fn   func(goja.FunctionCall) goja.Value
	}{
		{"postMessage", w.postMessage},
		{"close", w.closeWorker},
		{"recv", w.recv},
		{"importScripts", w.importScripts},
		{"setTimeout", w.setTimeout},
		{"clearTimeout", w.clearTimeout},
		{"setInterval", w.setInterval},
		{"clearInterval", w.clearInterval},
		{"queueMicrotask", w.queueMicrotask},
	}
	for _, b := range bindings {
		if err := rt.Set(b.name, b.fn); err != nil {
			return err
		}
	}
	if err := w.bindSlots(); err != nil {
		return err
	}

	registry := require.NewRegistry(require.WithLoader(w.requireLoader))
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{log: w.log}))
	registry.Enable(rt)
	console.Enable(rt)
	return nil
}

// bindSlots wires the four handler slots to the worker-side port. Setting
// onmessage switches the port's delivery from the recv path to the
// callback path; the others are notification slots.
func (w *scriptWorker) bindSlots() error {
	port := w.env.Port()
	if err := w.defineSlot("onmessage", &w.onmessage, func(set bool) {
		if set {
			port.OnMessage(w.dispatchMessage)
		} else {
			port.OnMessage(nil)
		}
	}); err != nil {
		return err
	}
	if err := w.defineSlot("onmessageerror", &w.onmessageerror, func(set bool) {
		if set {
			port.OnMessageError(w.dispatchMessageError)
		} else {
			port.OnMessageError(nil)
		}
	}); err != nil {
		return err
	}
	if err := w.defineSlot("onerror", &w.onerror, func(set bool) {
		if set {
			port.OnError(w.dispatchError)
		} else {
			port.OnError(nil)
		}
	}); err != nil {
		return err
	}
	return w.defineSlot("onclose", &w.onclose, func(set bool) {
		if set {
			port.OnClose(w.dispatchClose)
		} else {
			port.OnClose(nil)
		}
	})
}

func (w *scriptWorker) defineSlot(name string, s *slot, update func(set bool)) error {
	rt := w.rt
	getter := rt.ToValue(func(goja.FunctionCall) goja.Value {
		if s.raw == nil {
			return goja.Null()
		}
		return s.raw
	})
	setter := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		if fn, ok := goja.AssertFunction(v); ok {
			s.raw, s.fn = v, fn
			update(true)
		} else {
			s.raw, s.fn = nil, nil
			update(false)
		}
		return goja.Undefined()
	})
	return rt.GlobalObject().DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// dispatchMessage delivers one inbound message to the onmessage handler
// as an event object with a data property. Runs on the worker's loop.
func (w *scriptWorker) dispatchMessage(msg taskloop.Result) {
	fn := w.onmessage.fn
	if fn == nil {
		return
	}
	ev := w.rt.NewObject()
	_ = ev.Set("data", w.jsValue(msg))
	if _, err := fn(goja.Undefined(), ev); err != nil {
		w.env.Fail(w.workerError(err))
	}
}

func (w *scriptWorker) dispatchMessageError(cause error) {
	fn := w.onmessageerror.fn
	if fn == nil {
		return
	}
	if _, err := fn(goja.Undefined(), w.rt.NewGoError(cause)); err != nil {
		w.env.Fail(w.workerError(err))
	}
}

func (w *scriptWorker) dispatchError(we *taskloop.WorkerError) {
	fn := w.onerror.fn
	if fn == nil {
		return
	}
	ev := w.rt.NewObject()
	_ = ev.Set("message", w.rt.ToValue(we.Message))
	_ = ev.Set("filename", w.rt.ToValue(we.Filename))
	_ = ev.Set("lineno", w.rt.ToValue(we.Line))
	_ = ev.Set("colno", w.rt.ToValue(we.Column))
	if _, err := fn(goja.Undefined(), ev); err != nil {
		w.env.Fail(w.workerError(err))
	}
}

func (w *scriptWorker) dispatchClose() {
	fn := w.onclose.fn
	if fn == nil {
		return
	}
	// the channel is already defunct here; a throw has nowhere to go
	if _, err := fn(goja.Undefined()); err != nil {
		w.log.Err().Err(err).Log("gojaworker: onclose handler threw")
	}
}

func (w *scriptWorker) postMessage(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		panic(w.rt.NewTypeError("postMessage requires a value"))
	}
	w.env.Port().Send(w.exportValue(call.Argument(0)))
	return goja.Undefined()
}

func (w *scriptWorker) closeWorker(goja.FunctionCall) goja.Value {
	w.env.Close()
	return goja.Undefined()
}

// recv returns a promise for the next message not consumed by onmessage.
// The promise rejects once the channel closes.
func (w *scriptWorker) recv(goja.FunctionCall) goja.Value {
	promise, resolve, reject := w.rt.NewPromise()
	w.env.Port().Recv().Then(func(res taskloop.Result) taskloop.Result {
		resolve(w.jsValue(res))
		return nil
	}, func(reason taskloop.Result) taskloop.Result {
		reject(w.jsReason(reason))
		return nil
	})
	return w.rt.ToValue(promise)
}

func (w *scriptWorker) importScripts(call goja.FunctionCall) goja.Value {
	names := make([]string, len(call.Arguments))
	for i, arg := range call.Arguments {
		names[i] = arg.String()
	}
	if w.cfg.fullContext {
		return w.importScriptsAsync(names)
	}
	for _, name := range names {
		src, err := w.loadScript(name)
		if err != nil {
			panic(w.rt.NewGoError(err))
		}
		if _, err := w.rt.RunScript(name, src); err != nil {
			panic(w.thrownValue(err))
		}
	}
	return goja.Undefined()
}

// importScriptsAsync loads sources via a host-loop task and returns a
// promise, so a fullContext worker never blocks the host on script IO.
func (w *scriptWorker) importScriptsAsync(names []string) goja.Value {
	promise, resolve, reject := w.rt.NewPromise()
	t := w.loop.Go(w.ctx, func(context.Context) (taskloop.Result, error) {
		srcs := make([]string, len(names))
		for i, name := range names {
			src, err := w.loadScript(name)
			if err != nil {
				return nil, err
			}
			srcs[i] = src
		}
		return srcs, nil
	})
	t.Then(func(res taskloop.Result) taskloop.Result {
		for i, src := range res.([]string) {
			if _, err := w.rt.RunScript(names[i], src); err != nil {
				reject(w.thrownValue(err))
				return nil
			}
		}
		resolve(goja.Undefined())
		return nil
	}, func(reason taskloop.Result) taskloop.Result {
		reject(w.jsReason(reason))
		return nil
	})
	return w.rt.ToValue(promise)
}

func (w *scriptWorker) loadScript(name string) (string, error) {
	if w.cfg.loader == nil {
		return "", fmt.Errorf("gojaworker: no script loader configured: %s", name)
	}
	return w.cfg.loader(name)
}

func (w *scriptWorker) setTimeout(call goja.FunctionCall) goja.Value {
	fn := w.callable(call.Argument(0), "setTimeout")
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	id, err := w.loop.ScheduleTimer(delay, func() {
		if _, err := fn(goja.Undefined()); err != nil {
			w.env.Fail(w.workerError(err))
		}
	})
	if err != nil {
		panic(w.rt.NewGoError(err))
	}
	return w.rt.ToValue(int64(id))
}

func (w *scriptWorker) clearTimeout(call goja.FunctionCall) goja.Value {
	// unknown ids are ignored, as in browsers
	_ = w.loop.CancelTimer(taskloop.TimerID(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

func (w *scriptWorker) setInterval(call goja.FunctionCall) goja.Value {
	fn := w.callable(call.Argument(0), "setInterval")
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	iv, err := taskloop.NewInterval(w.loop, delay, func() {
		if _, err := fn(goja.Undefined()); err != nil {
			w.env.Fail(w.workerError(err))
		}
	})
	if err != nil {
		panic(w.rt.NewGoError(err))
	}
	w.nextInterval++
	w.intervals[w.nextInterval] = iv
	return w.rt.ToValue(w.nextInterval)
}

func (w *scriptWorker) clearInterval(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if iv, ok := w.intervals[id]; ok {
		delete(w.intervals, id)
		iv.Stop()
	}
	return goja.Undefined()
}

func (w *scriptWorker) queueMicrotask(call goja.FunctionCall) goja.Value {
	fn := w.callable(call.Argument(0), "queueMicrotask")
	if err := w.loop.ScheduleMicrotask(func() {
		if _, err := fn(goja.Undefined()); err != nil {
			w.env.Fail(w.workerError(err))
		}
	}); err != nil {
		panic(w.rt.NewGoError(err))
	}
	return goja.Undefined()
}

func (w *scriptWorker) callable(v goja.Value, name string) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(w.rt.NewTypeError("%s requires a function as first argument", name))
	}
	return fn
}

// jsValue converts a cloned inbound message for the runtime. Buffers
// surface as ArrayBuffers sharing the receiver's copy.
func (w *scriptWorker) jsValue(v taskloop.Result) goja.Value {
	if b, ok := v.(*taskloop.Buffer); ok {
		return w.rt.ToValue(w.rt.NewArrayBuffer(b.Bytes()))
	}
	return w.rt.ToValue(v)
}

// exportValue converts an outbound script value to its Go form ahead of
// the structured clone. ArrayBuffers copy into Buffers; there is no
// transfer from the script side.
func (w *scriptWorker) exportValue(v goja.Value) taskloop.Result {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	out := v.Export()
	if ab, ok := out.(goja.ArrayBuffer); ok {
		return taskloop.NewBufferFrom(append([]byte(nil), ab.Bytes()...))
	}
	return out
}

func (w *scriptWorker) jsReason(v taskloop.Result) goja.Value {
	if err, ok := v.(error); ok {
		return w.rt.NewGoError(err)
	}
	return w.jsValue(v)
}

// thrownValue recovers the original thrown value from a goja error so it
// can be rethrown or used as a rejection reason unchanged.
func (w *scriptWorker) thrownValue(err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return w.rt.NewGoError(err)
}

func (w *scriptWorker) workerError(err error) *taskloop.WorkerError {
	we := &taskloop.WorkerError{Filename: defaultScriptName, Cause: err}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		we.Message = ex.Value().String()
	} else {
		we.Message = err.Error()
	}
	return we
}

// consolePrinter routes script console output to the structured logger.
type consolePrinter struct {
	log *logiface.Logger[logiface.Event]
}

func (p consolePrinter) Log(s string)   { p.log.Info().Str("source", "console").Log(s) }
func (p consolePrinter) Warn(s string)  { p.log.Warning().Str("source", "console").Log(s) }
func (p consolePrinter) Error(s string) { p.log.Err().Str("source", "console").Log(s) }

func (w *scriptWorker) requireLoader(path string) ([]byte, error) {
	if w.cfg.loader == nil {
		return nil, require.ModuleFileDoesNotExistError
	}
	src, err := w.cfg.loader(path)
	if err != nil {
		return nil, require.ModuleFileDoesNotExistError
	}
	return []byte(src), nil
}
