package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/mutator"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/scheduler"
	"alma.local/covfuzz/state"
)

type fixture struct {
	st  *state.State
	fz  *fuzzer.Fuzzer
	ex  executor.Executor
	mgr *events.Simple
}

func newFixture(h executor.Harness) *fixture {
	var n int64
	clock := func() time.Time {
		n++
		return time.Unix(0, n*int64(time.Millisecond))
	}
	obs := observer.MustSet(observer.NewHitcountsMap("edges", 64), observer.NewTimeObserver("time"))
	sched := scheduler.NewQueue()
	return &fixture{
		st:  state.New(3, corpus.NewInMemory(), corpus.NewInMemory()),
		fz:  fuzzer.New(sched, feedback.NewMaxMapFeedback("coverage", "edges"), feedback.NewExitKindFeedback(feedback.Ignore{})),
		ex:  executor.NewInProcess(h, obs, executor.WithClock(clock)),
		mgr: events.NewSimple(nil),
	}
}

func (f *fixture) add(t *testing.T, input string) corpus.ID {
	id, err := f.fz.AddInput(context.Background(), f.ex, f.st, f.mgr, []byte(input))
	require.NoError(t, err)
	return id
}

func TestCalibrationStableEntry(t *testing.T) {
	f := newFixture(func([]byte) executor.ExitKind {
		observer.Hit(1)
		observer.Hit(2)
		return executor.Ok
	})
	id := f.add(t, "seed")
	c := NewCalibration("edges", "time")
	assert.False(t, c.Prepared(f.st, id))

	require.NoError(t, c.Perform(context.Background(), f.fz, f.ex, f.st, f.mgr, id))
	assert.True(t, c.Prepared(f.st, id))

	tc, err := f.st.Corpus.Get(id)
	require.NoError(t, err)
	meta, err := metadata.Get[CalibrationMeta](tc.Meta)
	require.NoError(t, err)
	assert.Equal(t, DefaultCalibrationRuns, meta.Runs)
	assert.Equal(t, time.Millisecond, meta.MeanExec)
	assert.Zero(t, meta.StdDevExec)
	assert.Equal(t, uint64(2), meta.BitmapSize)
	assert.Empty(t, meta.Unstable)
	assert.Equal(t, time.Millisecond, tc.ExecTime)
	assert.False(t, scheduler.EntryMeta(tc).Flaky)
	assert.Equal(t, uint64(1), scheduler.GlobalMeta(f.st).Calibrated)

	execs := f.st.Executions
	require.NoError(t, c.Perform(context.Background(), f.fz, f.ex, f.st, f.mgr, id))
	assert.Equal(t, execs, f.st.Executions, "calibration runs once per entry")
}

func TestCalibrationFlagsFlakyEntry(t *testing.T) {
	var calls int
	f := newFixture(func([]byte) executor.ExitKind {
		calls++
		observer.Hit(1)
		if calls%2 == 0 {
			observer.Hit(7)
		}
		return executor.Ok
	})
	id := f.add(t, "seed")
	require.NoError(t, NewCalibration("edges", "time", WithRuns(3, 6)).Perform(context.Background(), f.fz, f.ex, f.st, f.mgr, id))

	tc, _ := f.st.Corpus.Get(id)
	meta, err := metadata.Get[CalibrationMeta](tc.Meta)
	require.NoError(t, err)
	assert.Equal(t, 6, meta.Runs)
	assert.Equal(t, []uint32{7}, meta.Unstable)
	assert.True(t, scheduler.EntryMeta(tc).Flaky)

	stab, err := metadata.Get[Stability](f.st.Meta)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stab.Ratio(), 1e-9)
	assert.Equal(t, 0.5, f.mgr.Stats().Client(0).User["stability"])
}

func TestCalibrationIgnoresCountsWithinBucket(t *testing.T) {
	var calls int
	f := newFixture(func([]byte) executor.ExitKind {
		calls++
		// 5 and 6 hits share the 4-7 bucket
		n := 5 + calls%2
		for i := 0; i < n; i++ {
			observer.Hit(1)
		}
		return executor.Ok
	})
	id := f.add(t, "seed")
	require.NoError(t, NewCalibration("edges", "time").Perform(context.Background(), f.fz, f.ex, f.st, f.mgr, id))

	tc, _ := f.st.Corpus.Get(id)
	meta, err := metadata.Get[CalibrationMeta](tc.Meta)
	require.NoError(t, err)
	assert.Equal(t, DefaultCalibrationRuns, meta.Runs)
	assert.Empty(t, meta.Unstable)
	assert.False(t, scheduler.EntryMeta(tc).Flaky)
}

func TestCalibrationRecordsFailures(t *testing.T) {
	f := newFixture(func(in []byte) executor.ExitKind {
		observer.Hit(3)
		return executor.Ok
	})
	id := f.add(t, "seed")
	f.ex = executor.NewInProcess(func([]byte) executor.ExitKind { panic("boom") }, f.ex.Observers())

	require.NoError(t, NewCalibration("edges", "time").Perform(context.Background(), f.fz, f.ex, f.st, f.mgr, id))
	tc, _ := f.st.Corpus.Get(id)
	meta, err := metadata.Get[CalibrationMeta](tc.Meta)
	require.NoError(t, err)
	assert.Equal(t, meta.Runs, meta.Failures)
	assert.Equal(t, executor.Crash, meta.LastExit)
}

type countingMutator struct {
	calls int
}

func (m *countingMutator) Mutate(st *state.State, input []byte) ([]byte, mutator.Result, error) {
	m.calls++
	if m.calls%2 == 0 {
		return input, mutator.Skipped, nil
	}
	return append(input, byte(m.calls)), mutator.Mutated, nil
}

func TestPowerMutationalIterations(t *testing.T) {
	p := NewPowerMutational(&countingMutator{}, WithIterations(10, 25))
	for _, tt := range []struct {
		weight float64
		want   int
	}{
		{0, 1},
		{0.01, 1},
		{0.25, 3},
		{1, 10},
		{2, 20},
		{100, 25},
	} {
		tc := corpus.NewTestcase([]byte("x"), corpus.Seed())
		tc.Weight = tt.weight
		assert.Equal(t, tt.want, p.Iterations(tc), "weight %v", tt.weight)
	}
}

func TestPowerMutationalLeavesParentIntact(t *testing.T) {
	f := newFixture(func(in []byte) executor.ExitKind {
		observer.Hit(uint32(len(in)))
		return executor.Ok
	})
	id := f.add(t, "seed")
	m := &countingMutator{}
	p := NewPowerMutational(m, WithIterations(4, 4))

	require.NoError(t, p.Perform(context.Background(), f.fz, f.ex, f.st, f.mgr, id))
	assert.Equal(t, 4, m.calls)
	// two skipped, two executed
	assert.Equal(t, uint64(3), f.st.Executions)

	tc, _ := f.st.Corpus.Get(id)
	assert.Equal(t, []byte("seed"), tc.Input)
	child, err := f.st.Corpus.Get(1)
	require.NoError(t, err)
	assert.Equal(t, corpus.MutationOf(id), child.Origin)
	assert.Equal(t, fuzzer.PhaseMutating, f.fz.Phase())
}
