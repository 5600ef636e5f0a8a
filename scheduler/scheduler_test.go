package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/state"
)

func newState() *state.State {
	return state.New(7, corpus.NewInMemory(), corpus.NewInMemory())
}

// addEntry stores an input covering edges and tells the scheduler about it.
func addEntry(t *testing.T, st *state.State, s Scheduler, input string, exec time.Duration, edges ...uint32) corpus.ID {
	t.Helper()
	tc := corpus.NewTestcase([]byte(input), corpus.Seed())
	tc.ExecTime = exec
	metadata.Set(tc.Meta, &feedback.MapIndexes{Indexes: edges})
	metadata.Set(tc.Meta, &feedback.MapNovelties{Novelties: edges})
	id, err := st.Corpus.Add(tc)
	require.NoError(t, err)
	require.NoError(t, s.OnAdd(st, id))
	return id
}

func TestQueueRoundRobin(t *testing.T) {
	st := newState()
	q := NewQueue()
	_, err := q.Next(st)
	require.ErrorIs(t, err, ErrEmptyCorpus)

	a := addEntry(t, st, q, "a", time.Millisecond)
	b := addEntry(t, st, q, "b", time.Millisecond)
	c := addEntry(t, st, q, "c", time.Millisecond)

	var got []corpus.ID
	for i := 0; i < 4; i++ {
		id, err := q.Next(st)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []corpus.ID{a, b, c, a}, got)
	assert.Equal(t, uint64(1), GlobalMeta(st).QueueCycles)
}

func TestWeightsNonNegativeAndNormalized(t *testing.T) {
	for _, sched := range []PowerSchedule{Explore, Exploit, Fast, Coe, Lin, Quad} {
		t.Run(sched.String(), func(t *testing.T) {
			st := newState()
			w := NewWeighted(sched, DefaultPowerParams(), "edges")
			for i := 0; i < 20; i++ {
				input := make([]byte, 1+st.Rand.Below(64))
				st.Rand.Fill(input)
				exec := time.Duration(1+st.Rand.Below(1000)) * time.Microsecond
				edges := []uint32{uint32(i), uint32(st.Rand.Below(50))}
				id := addEntry(t, st, w, string(input), exec, edges...)
				tc, _ := st.Corpus.Get(id)
				EntryMeta(tc).BitmapSize = uint64(1 + st.Rand.Below(40))
				EntryMeta(tc).Flaky = i%5 == 0
				GlobalMeta(st).NFuzz[uint32(i)] = uint32(st.Rand.Below(10))
				EntryMeta(tc).PathHash = uint32(i)
				RecordCalibration(st, exec, EntryMeta(tc).BitmapSize)
			}
			for round := 0; round < 50; round++ {
				probs, err := w.Probabilities(st)
				require.NoError(t, err)
				sum := 0.0
				for _, p := range probs {
					require.GreaterOrEqual(t, p, 0.0)
					sum += p
				}
				require.InDelta(t, 1.0, sum, 1e-9)
				for _, id := range st.Corpus.IDs() {
					tc, _ := st.Corpus.Get(id)
					require.GreaterOrEqual(t, tc.Weight, 0.0)
					require.False(t, math.IsNaN(tc.Weight))
				}
				_, err = w.Next(st)
				require.NoError(t, err)
			}
		})
	}
}

func TestAliasTableFollowsWeights(t *testing.T) {
	r := state.NewRand(3)
	ids := []corpus.ID{0, 1, 2, 3}
	table := newAliasTable(ids, []float64{1, 2, 3, 4}, 0)
	counts := map[corpus.ID]int{}
	const draws = 200000
	for i := 0; i < draws; i++ {
		counts[table.draw(r)]++
	}
	for id, p := range table.probabilities() {
		assert.InDelta(t, p, float64(counts[id])/draws, 0.01, "id %d", id)
	}
}

func TestAliasTableAllZero(t *testing.T) {
	table := newAliasTable([]corpus.ID{5, 6}, []float64{0, 0}, 0)
	probs := table.probabilities()
	assert.InDelta(t, 0.5, probs[5], 1e-12)
	assert.InDelta(t, 0.5, probs[6], 1e-12)
}

func TestFasterEntriesWeighMore(t *testing.T) {
	st := newState()
	w := NewWeighted(Explore, DefaultPowerParams(), "edges")
	slow := addEntry(t, st, w, "same", 10*time.Millisecond, 1)
	fast := addEntry(t, st, w, "also", time.Millisecond, 2)
	RecordCalibration(st, 10*time.Millisecond, 1)
	RecordCalibration(st, time.Millisecond, 1)

	probs, err := w.Probabilities(st)
	require.NoError(t, err)
	assert.Greater(t, probs[fast], probs[slow])
}

func TestParseSchedule(t *testing.T) {
	for p, name := range scheduleNames {
		got, err := ParseSchedule(name)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseSchedule("FAST")
	require.NoError(t, err)
	assert.Equal(t, Fast, got)
	_, err = ParseSchedule("turbo")
	assert.Error(t, err)
}
