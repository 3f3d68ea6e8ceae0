package taskloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustAwait blocks for the fulfilment value, failing the test on any error
// or on a hang.
func mustAwait(t *testing.T, task *Task) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := task.Await(ctx)
	require.NoError(t, err)
	return res
}

// awaitErr blocks for a rejection or cancellation, failing the test on
// fulfilment or on a hang.
func awaitErr(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := task.Await(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestExecutorRunsSynchronously(t *testing.T) {
	l := startLoop(t)
	var ran bool
	tk := NewTask(l, func(resolve ResolveFunc, _ RejectFunc, _ OnCancelFunc) {
		ran = true
		resolve("v")
	})
	assert.True(t, ran, "executor must run before NewTask returns")
	assert.Equal(t, Fulfilled, tk.State())
	assert.Equal(t, "v", tk.Result())
}

func TestFirstSettlementWins(t *testing.T) {
	l := startLoop(t)

	tk := NewTask(l, func(resolve ResolveFunc, reject RejectFunc, _ OnCancelFunc) {
		resolve(1)
		reject("late")
		resolve(2)
	})
	assert.Equal(t, Fulfilled, tk.State())
	assert.Equal(t, 1, tk.Result())

	tr := NewTask(l, func(resolve ResolveFunc, reject RejectFunc, _ OnCancelFunc) {
		reject("reason")
		resolve("late")
	})
	assert.Equal(t, Rejected, tr.State())
	assert.Equal(t, "reason", tr.Result())
	tr.Catch(func(Result) Result { return nil })
}

func TestExecutorPanicRejects(t *testing.T) {
	l := startLoop(t)
	tk := NewTask(l, func(ResolveFunc, RejectFunc, OnCancelFunc) {
		panic("boom")
	})
	require.Equal(t, Rejected, tk.State())
	err := awaitErr(t, tk)
	var pe PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestResultNilWhilePending(t *testing.T) {
	l := startLoop(t)
	tk := NewTask(l, nil)
	assert.Equal(t, Pending, tk.State())
	assert.Nil(t, tk.Result())
	tk.Cancel()
}

func TestThenChainsValues(t *testing.T) {
	l := startLoop(t)
	tk := l.Resolve(2).
		Then(func(v Result) Result { return v.(int) * 3 }, nil).
		Then(func(v Result) Result { return v.(int) + 1 }, nil)
	assert.Equal(t, 7, mustAwait(t, tk))
}

func TestCatchObservesRejection(t *testing.T) {
	l := startLoop(t)
	errBoom := errors.New("boom")
	got := make(chan Result, 1)
	child := l.Reject(errBoom).Catch(func(r Result) Result {
		got <- r
		return "recovered"
	})
	// the handler's return value fulfils the child
	assert.Equal(t, "recovered", mustAwait(t, child))
	select {
	case r := <-got:
		require.ErrorIs(t, r.(error), errBoom)
	default:
		t.Fatal("rejection handler did not run")
	}
}

func TestHandlerPanicRejectsChild(t *testing.T) {
	l := startLoop(t)
	child := l.Resolve("in").Then(func(Result) Result { panic("handler boom") }, nil)
	err := awaitErr(t, child)
	var pe PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "handler boom", pe.Value)
}

func TestNilHandlerPassthroughPreservesCancelled(t *testing.T) {
	l := startLoop(t)
	tk := NewTask(l, nil)
	child := tk.Then(nil, nil)
	tk.Cancel()
	assert.Equal(t, Cancelled, tk.State())

	err := awaitErr(t, child)
	var ce *CancelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Cancelled, child.State(), "passthrough must not turn a cancellation into a plain rejection")
}

func TestCancelForwardsToChainRoot(t *testing.T) {
	l := startLoop(t)
	var hook bool
	root := NewTask(l, func(_ ResolveFunc, _ RejectFunc, onCancel OnCancelFunc) {
		onCancel(func() { hook = true })
	})
	child := root.Then(nil, nil)
	grandchild := child.Then(nil, nil)

	grandchild.Cancel()
	assert.True(t, hook, "root cancellation hook must run")
	assert.Equal(t, Cancelled, root.State())
	awaitErr(t, child)
	awaitErr(t, grandchild)
	assert.Equal(t, Cancelled, child.State())
	assert.Equal(t, Cancelled, grandchild.State())
}

func TestCancelHooksRunInOrderOnce(t *testing.T) {
	l := startLoop(t)
	var order []string
	tk := NewTask(l, func(_ ResolveFunc, _ RejectFunc, onCancel OnCancelFunc) {
		onCancel(func() { order = append(order, "a") })
		onCancel(func() { order = append(order, "b") })
	})
	require.True(t, tk.OnCancel(func() { order = append(order, "c") }))

	tk.Cancel()
	require.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, Cancelled, tk.State())

	tk.Cancel()
	require.Equal(t, []string{"a", "b", "c"}, order, "hooks must not run twice")
	assert.False(t, tk.OnCancel(func() { order = append(order, "late") }))
}

func TestCancelHookMaySettleFirst(t *testing.T) {
	l := startLoop(t)
	var resolveFn ResolveFunc
	tk := NewTask(l, func(resolve ResolveFunc, _ RejectFunc, onCancel OnCancelFunc) {
		resolveFn = resolve
		onCancel(func() { resolveFn("rescued") })
	})
	tk.Cancel()
	assert.Equal(t, Fulfilled, tk.State(), "a hook settlement beats the pending cancellation")
	assert.Equal(t, "rescued", tk.Result())
}

func TestCancelSettledTaskIsNoop(t *testing.T) {
	l := startLoop(t)
	tk := l.Resolve(41)
	tk.Cancel()
	assert.Equal(t, Fulfilled, tk.State())
	assert.Equal(t, 41, tk.Result())
}

func TestResolveWithTaskAdopts(t *testing.T) {
	l := startLoop(t)
	var resolveA ResolveFunc
	a := NewTask(l, func(resolve ResolveFunc, _ RejectFunc, _ OnCancelFunc) {
		resolveA = resolve
	})
	b := NewTask(l, func(resolve ResolveFunc, _ RejectFunc, _ OnCancelFunc) {
		resolve(a)
	})
	assert.Equal(t, Pending, b.State(), "adoption defers settlement to the adopted task")
	resolveA(7)
	assert.Equal(t, 7, mustAwait(t, b))
}

func TestCancelForwardsThroughAdoption(t *testing.T) {
	l := startLoop(t)
	var hook bool
	a := NewTask(l, func(_ ResolveFunc, _ RejectFunc, onCancel OnCancelFunc) {
		onCancel(func() { hook = true })
	})
	b := NewTask(l, func(resolve ResolveFunc, _ RejectFunc, _ OnCancelFunc) {
		resolve(a)
	})
	b.Cancel()
	assert.True(t, hook)
	assert.Equal(t, Cancelled, a.State())
	awaitErr(t, b)
	assert.Equal(t, Cancelled, b.State())
}

func TestSelfResolutionRejects(t *testing.T) {
	l := startLoop(t)
	ready := make(chan struct{})
	var child *Task
	child = l.Resolve(nil).Then(func(Result) Result {
		<-ready
		return child
	}, nil)
	close(ready)
	err := awaitErr(t, child)
	var te *TypeError
	require.ErrorAs(t, err, &te)
}

func TestFinally(t *testing.T) {
	l := startLoop(t)

	t.Run("fulfilled", func(t *testing.T) {
		ran := make(chan struct{})
		child := l.Resolve("v").Finally(func() { close(ran) })
		assert.Equal(t, "v", mustAwait(t, child))
		select {
		case <-ran:
		default:
			t.Fatal("cleanup did not run")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		errBoom := errors.New("boom")
		var ran bool
		child := l.Reject(errBoom).Finally(func() { ran = true })
		require.ErrorIs(t, awaitErr(t, child), errBoom)
		assert.True(t, ran)
	})

	t.Run("cancelled", func(t *testing.T) {
		tk := NewTask(l, nil)
		var ran bool
		child := tk.Finally(func() { ran = true })
		tk.Cancel()
		var ce *CancelError
		require.ErrorAs(t, awaitErr(t, child), &ce)
		assert.Equal(t, Cancelled, child.State())
		assert.True(t, ran)
	})

	t.Run("panic does not alter settlement", func(t *testing.T) {
		child := l.Resolve(13).Finally(func() { panic("cleanup boom") })
		assert.Equal(t, 13, mustAwait(t, child))
	})

	t.Run("nil cleanup passes through", func(t *testing.T) {
		child := l.Resolve("x").Finally(nil)
		assert.Equal(t, "x", mustAwait(t, child))
	})
}

func TestAwait(t *testing.T) {
	l := startLoop(t)

	t.Run("fulfilment", func(t *testing.T) {
		res, err := l.Resolve(5).Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, res)
	})

	t.Run("rejection with error reason", func(t *testing.T) {
		errBoom := errors.New("boom")
		_, err := l.Reject(errBoom).Await(context.Background())
		require.ErrorIs(t, err, errBoom)
	})

	t.Run("rejection with plain reason", func(t *testing.T) {
		_, err := l.Reject("just a string").Await(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "just a string")
	})

	t.Run("cancellation", func(t *testing.T) {
		tk := NewTask(l, nil)
		tk.Cancel()
		_, err := tk.Await(context.Background())
		var ce *CancelError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("context ends the wait", func(t *testing.T) {
		tk := NewTask(l, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := tk.Await(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		tk.Cancel()
	})

	t.Run("refused on the loop goroutine", func(t *testing.T) {
		tk := NewTask(l, nil)
		errCh := make(chan error, 1)
		require.NoError(t, l.Submit(func() {
			_, err := tk.Await(context.Background())
			errCh <- err
		}))
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrBlockingOnLoop)
		case <-time.After(5 * time.Second):
			t.Fatal("on-loop Await did not return")
		}
		tk.Cancel()
	})
}

func TestToChannel(t *testing.T) {
	l := startLoop(t)

	ch := l.Resolve("v").ToChannel()
	select {
	case res := <-ch:
		assert.Equal(t, "v", res)
	case <-time.After(5 * time.Second):
		t.Fatal("no settlement delivered")
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after delivering the settlement")
	}

	// rejection reasons arrive on the same channel
	errBoom := errors.New("boom")
	tk := l.Reject(errBoom)
	select {
	case res := <-tk.ToChannel():
		require.ErrorIs(t, res.(error), errBoom)
		assert.Equal(t, Rejected, tk.State())
	case <-time.After(5 * time.Second):
		t.Fatal("no rejection delivered")
	}
}

func TestUnhandledRejectionReporting(t *testing.T) {
	t.Run("bare rejection is reported", func(t *testing.T) {
		reported := make(chan Result, 1)
		l := startLoop(t, WithUnhandledRejection(func(reason Result) { reported <- reason }))
		errBoom := errors.New("boom")
		l.Reject(errBoom)
		select {
		case reason := <-reported:
			require.ErrorIs(t, reason.(error), errBoom)
		case <-time.After(5 * time.Second):
			t.Fatal("rejection was not reported")
		}
	})

	t.Run("bare cancellation is reported", func(t *testing.T) {
		reported := make(chan Result, 1)
		l := startLoop(t, WithUnhandledRejection(func(reason Result) { reported <- reason }))
		NewTask(l, nil).Cancel()
		select {
		case reason := <-reported:
			var ce *CancelError
			require.ErrorAs(t, reason.(error), &ce)
		case <-time.After(5 * time.Second):
			t.Fatal("cancellation was not reported")
		}
	})

	t.Run("handled rejection is not reported", func(t *testing.T) {
		reported := make(chan Result, 1)
		l := startLoop(t, WithUnhandledRejection(func(reason Result) { reported <- reason }))
		var rejectFn RejectFunc
		tk := NewTask(l, func(_ ResolveFunc, reject RejectFunc, _ OnCancelFunc) {
			rejectFn = reject
		})
		handled := tk.Catch(func(Result) Result { return nil })
		rejectFn(errors.New("boom"))
		mustAwait(t, handled)
		select {
		case reason := <-reported:
			t.Fatalf("handled rejection reported: %v", reason)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestTaskOnTerminatedLoopIsCancelled(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	tk := NewTask(l, func(resolve ResolveFunc, _ RejectFunc, _ OnCancelFunc) {
		resolve("never seen")
	})
	assert.Equal(t, Cancelled, tk.State())
	res, ok := tk.Result().(error)
	require.True(t, ok)
	require.ErrorIs(t, res, ErrLoopTerminated)
}

func TestTaskStateStrings(t *testing.T) {
	t.Parallel()
	cases := map[TaskState]string{
		Pending:       "pending",
		Fulfilled:     "fulfilled",
		Rejected:      "rejected",
		Cancelled:     "cancelled",
		TaskState(42): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("TaskState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
