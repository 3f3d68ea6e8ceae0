package gojaworker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/dop251/goja"
	taskloop "github.com/joeycumines/go-taskloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *taskloop.Loop {
	t.Helper()
	l, err := taskloop.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	deadline := time.Now().Add(5 * time.Second)
	for {
		if s := l.State(); s == taskloop.StateRunning || s == taskloop.StateSleeping {
			return l
		}
		if time.Now().After(deadline) {
			t.Fatal("loop never started")
		}
		runtime.Gosched()
	}
}

// recvValue blocks for the next message on the host side of the channel.
func recvValue(t *testing.T, p *taskloop.Port) taskloop.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Recv().Await(ctx)
	require.NoError(t, err)
	return res
}

func awaitDone(t *testing.T, w *taskloop.Worker) (taskloop.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := w.Done().Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "worker never ended")
	return res, err
}

func TestScriptEcho(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `onmessage = (ev) => { postMessage(ev.data * 2); };`)
	require.NoError(t, err)
	defer w.Terminate()

	w.Port().Send(21)
	require.EqualValues(t, 42, recvValue(t, w.Port()))
}

func TestScriptRecvPromise(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `recv().then((v) => { postMessage("got:" + v); });`)
	require.NoError(t, err)
	defer w.Terminate()

	w.Port().Send("x")
	require.Equal(t, "got:x", recvValue(t, w.Port()))
}

func TestScriptTopLevelThrow(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `throw new Error("kaput");`)
	require.NoError(t, err)

	_, derr := awaitDone(t, w)
	require.Error(t, derr)
	var we *taskloop.WorkerError
	require.ErrorAs(t, derr, &we)
	assert.Contains(t, we.Message, "kaput")
	assert.Equal(t, "worker.js", we.Filename)
}

func TestScriptDeferredThrowFiresOnError(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `setTimeout(() => { throw new Error("later"); }, 50);`)
	require.NoError(t, err)

	errCh := make(chan *taskloop.WorkerError, 1)
	w.Port().OnError(func(we *taskloop.WorkerError) { errCh <- we })

	select {
	case we := <-errCh:
		assert.Contains(t, we.Message, "later")
	case <-time.After(5 * time.Second):
		t.Fatal("OnError never fired")
	}
	_, derr := awaitDone(t, w)
	require.Error(t, derr)
}

func TestScriptClose(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `close();`)
	require.NoError(t, err)

	res, derr := awaitDone(t, w)
	require.NoError(t, derr)
	assert.Nil(t, res)
}

func TestScriptTimers(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `
		let n = 0;
		const id = setInterval(() => {
			n++;
			if (n === 3) {
				clearInterval(id);
				postMessage(n);
			}
		}, 5);
		setTimeout(() => { postMessage("timer"); }, 1);
	`)
	require.NoError(t, err)
	defer w.Terminate()

	require.Equal(t, "timer", recvValue(t, w.Port()))
	require.EqualValues(t, 3, recvValue(t, w.Port()))
}

func TestScriptQueueMicrotask(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `
		const order = [];
		queueMicrotask(() => { order.push("micro"); });
		setTimeout(() => { order.push("timer"); postMessage(order.join(",")); }, 5);
	`)
	require.NoError(t, err)
	defer w.Terminate()

	require.Equal(t, "micro,timer", recvValue(t, w.Port()))
}

func TestScriptImportScripts(t *testing.T) {
	l := startLoop(t)
	loader := func(name string) (string, error) {
		if name == "half.js" {
			return `function half(x) { return x / 2; }`, nil
		}
		return "", fmt.Errorf("unknown script %q", name)
	}
	w, err := Start(l, `
		importScripts("half.js");
		onmessage = (ev) => { postMessage(half(ev.data)); };
	`, WithScriptLoader(loader))
	require.NoError(t, err)
	defer w.Terminate()

	w.Port().Send(10)
	require.EqualValues(t, 5, recvValue(t, w.Port()))
}

func TestScriptImportScriptsWithoutLoader(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `importScripts("missing.js");`)
	require.NoError(t, err)

	_, derr := awaitDone(t, w)
	require.Error(t, derr)
	var we *taskloop.WorkerError
	require.ErrorAs(t, derr, &we)
	assert.Contains(t, we.Message, "no script loader")
}

func TestScriptConsole(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `console.log("hello from the script"); postMessage("done");`)
	require.NoError(t, err)
	defer w.Terminate()

	require.Equal(t, "done", recvValue(t, w.Port()))
}

func TestRuntimeSetup(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `postMessage(answer);`, WithRuntimeSetup(func(rt *goja.Runtime) error {
		return rt.Set("answer", 42)
	}))
	require.NoError(t, err)
	defer w.Terminate()

	require.EqualValues(t, 42, recvValue(t, w.Port()))
}

func TestRuntimeSetupError(t *testing.T) {
	l := startLoop(t)
	errSetup := errors.New("setup failed")
	w, err := Start(l, `postMessage(1);`, WithRuntimeSetup(func(*goja.Runtime) error {
		return errSetup
	}))
	require.NoError(t, err)

	_, derr := awaitDone(t, w)
	require.Error(t, derr)
	var we *taskloop.WorkerError
	require.ErrorAs(t, derr, &we)
	assert.Contains(t, we.Message, "runtime setup")
	require.ErrorIs(t, we, errSetup)
}

func TestScriptFullContext(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `onmessage = (ev) => { postMessage(ev.data + 1); };`, WithFullContext(true))
	require.NoError(t, err)
	defer w.Terminate()

	w.Port().Send(41)
	require.EqualValues(t, 42, recvValue(t, w.Port()))
}

func TestScriptArrayBuffers(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `
		onmessage = (ev) => {
			postMessage(ev.data.byteLength);
			postMessage(new ArrayBuffer(8));
		};
	`)
	require.NoError(t, err)
	defer w.Terminate()

	buf := taskloop.NewBuffer(4)
	w.Port().Send(buf, buf)
	assert.True(t, buf.Detached())

	require.EqualValues(t, 4, recvValue(t, w.Port()))
	out, ok := recvValue(t, w.Port()).(*taskloop.Buffer)
	require.True(t, ok, "an ArrayBuffer crosses as a Buffer")
	assert.Equal(t, 8, out.Len())
}

func TestScriptSendUncloneable(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `
		onmessageerror = () => { postMessage("send failed"); };
		postMessage(() => {});
	`)
	require.NoError(t, err)
	defer w.Terminate()

	require.Equal(t, "send failed", recvValue(t, w.Port()))
}

func TestScriptSlotReadback(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `
		const before = String(onmessage);
		onmessage = (ev) => {};
		const during = typeof onmessage;
		onmessage = null;
		const after = String(onmessage);
		postMessage(before + "|" + during + "|" + after);
	`)
	require.NoError(t, err)
	defer w.Terminate()

	require.Equal(t, "null|function|null", recvValue(t, w.Port()))
}

func TestScriptClearUnknownTimerIgnored(t *testing.T) {
	l := startLoop(t)
	w, err := Start(l, `clearTimeout(9999); clearInterval(9999); postMessage("ok");`)
	require.NoError(t, err)
	defer w.Terminate()

	require.Equal(t, "ok", recvValue(t, w.Port()))
}

func TestStartCompileError(t *testing.T) {
	l := startLoop(t)
	_, err := Start(l, `function {`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestStartNilLoop(t *testing.T) {
	_, err := Start(nil, `postMessage(1);`)
	var te *taskloop.TypeError
	require.ErrorAs(t, err, &te)
}
