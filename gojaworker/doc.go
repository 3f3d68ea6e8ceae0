// Package gojaworker runs JavaScript source as a [taskloop] worker,
// hosting a [goja] runtime on the worker's loop.
//
// # Overview
//
// [Start] compiles the source, spins up a worker via [taskloop.NewWorker],
// and binds a worker-global API before running the script. The host talks
// to the script through the worker's message port exactly as with a Go
// worker body; every message crosses by structured clone.
//
// # Bound JavaScript globals
//
// Messaging:
//   - postMessage(value)
//   - recv(), returning a Promise of the next message
//   - onmessage / onmessageerror / onerror / onclose handler slots
//   - close()
//
// Scheduling, bound to the worker's loop:
//   - setTimeout / clearTimeout
//   - setInterval / clearInterval
//   - queueMicrotask
//
// Modules and diagnostics:
//   - importScripts(...names), backed by the configured script loader;
//     synchronous by default, promise-returning under [WithFullContext]
//   - require(), via [github.com/dop251/goja_nodejs/require]
//   - console, with output routed to the structured logger
//
// # Errors
//
// A goja exception escaping the top-level script or any callback becomes
// an uncaught worker error: the host port's OnError slot receives a
// [taskloop.WorkerError] and the channel is defunct afterwards.
//
// # Usage
//
//	loop, _ := taskloop.New()
//	go loop.Run(context.Background())
//
//	worker, _ := gojaworker.Start(loop, `
//	    onmessage = (ev) => postMessage(ev.data * 2);
//	`)
//	worker.Port().OnMessage(func(msg taskloop.Result) {
//	    fmt.Println("doubled:", msg)
//	})
//	worker.Port().Send(21)
//
// [taskloop]: github.com/joeycumines/go-taskloop
// [goja]: github.com/dop251/goja
package gojaworker
