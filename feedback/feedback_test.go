package feedback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

func TestClassifyBuckets(t *testing.T) {
	cases := map[byte]byte{
		0: 0, 1: 1, 2: 2, 3: 4, 4: 8, 7: 8, 8: 16, 15: 16,
		16: 32, 31: 32, 32: 64, 127: 64, 128: 128, 255: 128,
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), "count %d", in)
	}
}

func TestClassifyMonotone(t *testing.T) {
	prev := Classify(0)
	for c := 1; c < 256; c++ {
		got := Classify(byte(c))
		require.GreaterOrEqual(t, got, prev, "count %d", c)
		require.Equal(t, got, Classify(byte(c)))
		prev = got
	}
}

type fixture struct {
	st  *state.State
	m   *observer.HitcountsMap
	obs *observer.Set
}

func newFixture() *fixture {
	m := observer.NewHitcountsMap("edges", 32)
	return &fixture{
		st:  state.New(1, corpus.NewInMemory(), corpus.NewInMemory()),
		m:   m,
		obs: observer.MustSet(m, observer.NewTimeObserver("time")),
	}
}

func (f *fixture) run(counts map[int]byte) {
	f.m.Reset()
	for i, c := range counts {
		f.m.Usable()[i] = c
	}
}

func TestMaxMapFeedbackIdempotent(t *testing.T) {
	f := newFixture()
	fb := NewMaxMapFeedback("cov", "edges")

	f.run(map[int]byte{1: 1, 5: 3})
	ok, err := fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.NoError(t, err)
	assert.False(t, ok, "replaying the same run must not be interesting")

	// same bucket, different count
	f.run(map[int]byte{1: 1, 5: 3})
	ok, _ = fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	assert.False(t, ok)

	// a new bucket on an old edge is interesting
	f.run(map[int]byte{5: 9})
	ok, _ = fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	assert.True(t, ok)

	// a lower bucket already seen is not, even though it is not the maximum
	f.run(map[int]byte{5: 3})
	ok, _ = fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	assert.False(t, ok)
}

func TestMaxMapFeedbackMetadata(t *testing.T) {
	f := newFixture()
	fb := NewMaxMapFeedback("cov", "edges")

	f.run(map[int]byte{2: 1})
	_, err := fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.NoError(t, err)

	f.run(map[int]byte{2: 1, 7: 2})
	ok, err := fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.NoError(t, err)
	require.True(t, ok)

	tc := corpus.NewTestcase([]byte("x"), corpus.Seed())
	require.NoError(t, fb.AppendMetadata(f.st, f.obs, tc))
	assert.Equal(t, []uint32{2, 7}, Indexes(tc))
	assert.Equal(t, 1, FoundCount(tc))
}

func TestHistorySurvivesRestore(t *testing.T) {
	f := newFixture()
	fb := NewMaxMapFeedback("cov", "edges")
	f.run(map[int]byte{4: 1})
	ok, _ := fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.True(t, ok)

	blob, err := f.st.Encode()
	require.NoError(t, err)
	restored, err := state.Decode(blob)
	require.NoError(t, err)

	ok, err = NewMaxMapFeedback("cov", "edges").IsInteresting(restored, nil, f.obs, executor.Ok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExitKindObjective(t *testing.T) {
	f := newFixture()
	obj := NewExitKindFeedback(Ignore{Timeouts: true})

	for kind, want := range map[executor.ExitKind]bool{
		executor.Ok:      false,
		executor.Crash:   true,
		executor.Oom:     true,
		executor.Timeout: false,
	} {
		ok, err := obj.IsInteresting(f.st, nil, f.obs, kind)
		require.NoError(t, err)
		assert.Equal(t, want, ok, kind.String())
	}

	_, _ = obj.IsInteresting(f.st, nil, f.obs, executor.Crash)
	tc := corpus.NewTestcase([]byte("boom"), corpus.Seed())
	require.NoError(t, obj.AppendMetadata(f.st, f.obs, tc))
	cause, err := metadata.Get[CrashCause](tc.Meta)
	require.NoError(t, err)
	assert.Equal(t, executor.Crash, cause.Kind)
}

func TestCombinatorsEvaluateEveryMember(t *testing.T) {
	f := newFixture()
	cov := NewMaxMapFeedback("cov", "edges")
	tf := NewTimeFeedback("time")
	fb := Or(cov, tf)

	f.run(map[int]byte{3: 1})
	require.NoError(t, f.obs.PostExecAll(observer.Run{Elapsed: 3 * time.Millisecond}))
	ok, err := fb.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.NoError(t, err)
	assert.True(t, ok)

	tc := corpus.NewTestcase([]byte("x"), corpus.Seed())
	require.NoError(t, fb.AppendMetadata(f.st, f.obs, tc))
	assert.Equal(t, 3*time.Millisecond, tc.ExecTime)
	assert.Equal(t, []uint32{3}, Indexes(tc))

	and := And(NewMaxMapFeedback("cov2", "edges"), tf)
	ok, err = and.IsInteresting(f.st, nil, f.obs, executor.Ok)
	require.NoError(t, err)
	assert.False(t, ok)
	// cov2 still saw the run even though time rejected it
	ok, _ = NewMaxMapFeedback("cov2", "edges").IsInteresting(f.st, nil, f.obs, executor.Ok)
	assert.False(t, ok)

	neg := Not(tf)
	ok, _ = neg.IsInteresting(f.st, nil, f.obs, executor.Ok)
	assert.True(t, ok)
}
