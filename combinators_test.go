package taskloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveAfter(l *Loop, d time.Duration, v Result) *Task {
	return NewTimer(l, d, func() Result { return v }).Task
}

func rejectAfter(l *Loop, d time.Duration, reason Result) *Task {
	return NewTask(l, func(_ ResolveFunc, reject RejectFunc, _ OnCancelFunc) {
		_, _ = l.ScheduleTimer(d, func() { reject(reason) })
	})
}

func cancelAfter(l *Loop, d time.Duration) *Task {
	tk := NewTask(l, nil)
	_, _ = l.ScheduleTimer(d, tk.Cancel)
	return tk
}

func TestResolve(t *testing.T) {
	l := startLoop(t)

	tk := l.Resolve("v")
	assert.Equal(t, Fulfilled, tk.State())
	assert.Equal(t, "v", tk.Result())

	// an own task passes through unchanged
	assert.Same(t, tk, l.Resolve(tk))

	// a foreign loop's task is adopted instead
	other := startLoop(t)
	foreign := other.Resolve(7)
	adopted := l.Resolve(foreign)
	require.NotSame(t, foreign, adopted)
	assert.Equal(t, 7, mustAwait(t, adopted))
}

func TestRejectSettlesImmediately(t *testing.T) {
	l := startLoop(t)
	errBoom := errors.New("boom")
	tk := l.Reject(errBoom)
	assert.Equal(t, Rejected, tk.State())
	require.ErrorIs(t, awaitErr(t, tk), errBoom)
}

func TestAllFulfilsInInputOrder(t *testing.T) {
	l := startLoop(t)
	composite := l.All(
		resolveAfter(l, 15*time.Millisecond, 1),
		resolveAfter(l, 1*time.Millisecond, 2),
		resolveAfter(l, 8*time.Millisecond, 3),
	)
	res := mustAwait(t, composite)
	require.Equal(t, []Result{1, 2, 3}, res)
}

func TestAllFirstRejectionWins(t *testing.T) {
	l := startLoop(t)
	errBoom := errors.New("boom")
	pending := NewTask(l, nil)
	composite := l.All(pending, rejectAfter(l, 2*time.Millisecond, errBoom))
	require.ErrorIs(t, awaitErr(t, composite), errBoom)
	// losing inputs are left alone unless the composite is cancelled
	assert.Equal(t, Pending, pending.State())
	pending.Cancel()
}

func TestAllEmptyAndNilInputs(t *testing.T) {
	l := startLoop(t)

	res := mustAwait(t, l.All())
	require.Equal(t, []Result{}, res)

	res = mustAwait(t, l.All(nil, l.Resolve("x"), nil))
	require.Equal(t, []Result{nil, "x", nil}, res)
}

func TestAllCancelPropagatesToInputs(t *testing.T) {
	l := startLoop(t)
	a := NewTask(l, nil)
	b := NewTask(l, nil)
	composite := l.All(a, b)

	composite.Cancel()
	assert.Equal(t, Cancelled, a.State())
	assert.Equal(t, Cancelled, b.State())
	assert.Equal(t, Cancelled, composite.State())
	awaitErr(t, composite)
}

func TestAllPropagatesCancelledInput(t *testing.T) {
	l := startLoop(t)
	composite := l.All(cancelAfter(l, 2*time.Millisecond), NewTask(l, nil))
	var ce *CancelError
	require.ErrorAs(t, awaitErr(t, composite), &ce)
	assert.Equal(t, Cancelled, composite.State())
}

func TestRaceFirstSettlementWins(t *testing.T) {
	l := startLoop(t)
	composite := l.Race(
		resolveAfter(l, 50*time.Millisecond, "slow"),
		resolveAfter(l, 2*time.Millisecond, "fast"),
	)
	assert.Equal(t, "fast", mustAwait(t, composite))
}

func TestRacePreservesCancelledState(t *testing.T) {
	l := startLoop(t)
	a := NewTask(l, nil)
	composite := l.Race(a, NewTask(l, nil))
	a.Cancel()
	var ce *CancelError
	require.ErrorAs(t, awaitErr(t, composite), &ce)
	assert.Equal(t, Cancelled, composite.State())
}

func TestRaceEmptyStaysPending(t *testing.T) {
	l := startLoop(t)
	composite := l.Race()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Pending, composite.State())
	composite.Cancel()
}

func TestRaceCancelPropagatesToInputs(t *testing.T) {
	l := startLoop(t)
	a := NewTask(l, nil)
	composite := l.Race(a)
	composite.Cancel()
	assert.Equal(t, Cancelled, a.State())
}

func TestAllSettledRecordsEveryOutcome(t *testing.T) {
	l := startLoop(t)
	errBoom := errors.New("boom")
	composite := l.AllSettled(
		resolveAfter(l, 2*time.Millisecond, "a"),
		rejectAfter(l, 4*time.Millisecond, errBoom),
		cancelAfter(l, 6*time.Millisecond),
		nil,
	)

	res := mustAwait(t, composite)
	outcomes, ok := res.([]Settlement)
	require.True(t, ok, "AllSettled fulfils with []Settlement, got %T", res)
	require.Len(t, outcomes, 4)

	assert.Equal(t, Settlement{State: Fulfilled, Value: "a"}, outcomes[0])

	assert.Equal(t, Rejected, outcomes[1].State)
	require.ErrorIs(t, outcomes[1].Reason.(error), errBoom)
	assert.Nil(t, outcomes[1].Value)

	assert.Equal(t, Cancelled, outcomes[2].State)
	var ce *CancelError
	require.ErrorAs(t, outcomes[2].Reason.(error), &ce)

	assert.Equal(t, Settlement{State: Fulfilled}, outcomes[3])
}

func TestAnyFirstFulfilmentWins(t *testing.T) {
	l := startLoop(t)
	composite := l.Any(
		rejectAfter(l, 1*time.Millisecond, errors.New("early failure")),
		resolveAfter(l, 5*time.Millisecond, "winner"),
	)
	assert.Equal(t, "winner", mustAwait(t, composite))
}

func TestAnyAggregatesWhenAllReject(t *testing.T) {
	l := startLoop(t)
	errA := errors.New("a")
	errB := errors.New("b")
	composite := l.Any(
		rejectAfter(l, 4*time.Millisecond, errA),
		cancelAfter(l, 1*time.Millisecond),
		rejectAfter(l, 2*time.Millisecond, errB),
	)

	err := awaitErr(t, composite)
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Errors, 3)
	// reasons hold input order regardless of settlement order
	require.ErrorIs(t, agg.Errors[0], errA)
	var ce *CancelError
	require.ErrorAs(t, agg.Errors[1], &ce)
	require.ErrorIs(t, agg.Errors[2], errB)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestAnyEmptyRejects(t *testing.T) {
	l := startLoop(t)
	err := awaitErr(t, l.Any())
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Empty(t, agg.Errors)
}

func TestAnyCancelPropagatesToInputs(t *testing.T) {
	l := startLoop(t)
	a := NewTask(l, nil)
	b := NewTask(l, nil)
	composite := l.Any(a, b)
	composite.Cancel()
	assert.Equal(t, Cancelled, a.State())
	assert.Equal(t, Cancelled, b.State())
}
