package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
)

func TestMinimizerPrefersCheapOwner(t *testing.T) {
	st := newState()
	m := NewMinimizer(NewQueue())

	big := addEntry(t, st, m, "a long and slow input", 5*time.Millisecond, 1, 2, 3)
	small := addEntry(t, st, m, "tiny", time.Millisecond, 2)
	require.NoError(t, m.Check(st))

	tr := topRated(st)
	assert.Equal(t, big, tr.Owner[1])
	assert.Equal(t, small, tr.Owner[2])
	assert.Equal(t, big, tr.Owner[3])
	assert.True(t, m.IsFavored(st, big))
	assert.True(t, m.IsFavored(st, small))

	// a third entry that is cheapest on every edge of big takes them all
	cheapest := addEntry(t, st, m, "x", time.Microsecond, 1, 2, 3)
	require.NoError(t, m.Check(st))
	assert.False(t, m.IsFavored(st, big))
	assert.False(t, m.IsFavored(st, small))
	assert.True(t, m.IsFavored(st, cheapest))

	for i := 0; i < 5; i++ {
		id, err := m.Next(st)
		require.NoError(t, err)
		assert.Equal(t, cheapest, id)
	}
}

func TestMinimizerTieGoesToLowerID(t *testing.T) {
	st := newState()
	m := NewMinimizer(NewQueue())
	first := addEntry(t, st, m, "ab", time.Millisecond, 9)
	addEntry(t, st, m, "cd", time.Millisecond, 9)
	require.NoError(t, m.Check(st))
	assert.Equal(t, first, topRated(st).Owner[9])
}

func TestMinimizerReelectsOnRemove(t *testing.T) {
	st := newState()
	m := NewMinimizer(NewQueue())
	a := addEntry(t, st, m, "aaaa", time.Millisecond, 1, 2)
	b := addEntry(t, st, m, "b", time.Millisecond, 2)
	require.Equal(t, b, topRated(st).Owner[2])

	tc, err := st.Corpus.Remove(b)
	require.NoError(t, err)
	require.NoError(t, m.OnRemove(st, b, tc))
	require.NoError(t, m.Check(st))
	assert.Equal(t, a, topRated(st).Owner[2])

	tc, err = st.Corpus.Remove(a)
	require.NoError(t, err)
	require.NoError(t, m.OnRemove(st, a, tc))
	require.NoError(t, m.Check(st))
	assert.Empty(t, topRated(st).Owner)
	assert.Empty(t, topRated(st).Owned)
}

func TestMinimizerReratesAfterUpdate(t *testing.T) {
	st := newState()
	m := NewMinimizer(NewQueue())
	a := addEntry(t, st, m, "aa", time.Millisecond, 4)
	b := addEntry(t, st, m, "bb", 2*time.Millisecond, 4)
	require.Equal(t, a, topRated(st).Owner[4])

	tc, err := st.Corpus.Get(a)
	require.NoError(t, err)
	tc.ExecTime = 10 * time.Millisecond
	require.NoError(t, m.OnReplace(st, a, tc))
	require.NoError(t, m.Check(st))
	assert.Equal(t, b, topRated(st).Owner[4])
}

func TestMinimizerSingleOwnerUnderChurn(t *testing.T) {
	st := newState()
	m := NewMinimizer(NewWeighted(Fast, DefaultPowerParams(), "edges"))
	var live []corpus.ID
	for step := 0; step < 300; step++ {
		if len(live) > 3 && st.Rand.Coin(0.3) {
			i := st.Rand.Below(len(live))
			id := live[i]
			live = append(live[:i], live[i+1:]...)
			tc, err := st.Corpus.Remove(id)
			require.NoError(t, err)
			require.NoError(t, m.OnRemove(st, id, tc))
		} else {
			input := make([]byte, 1+st.Rand.Below(16))
			st.Rand.Fill(input)
			var edges []uint32
			for e := uint32(0); e < 32; e++ {
				if st.Rand.Coin(0.2) {
					edges = append(edges, e)
				}
			}
			exec := time.Duration(1+st.Rand.Below(50)) * time.Microsecond
			live = append(live, addEntry(t, st, m, string(input), exec, edges...))
		}
		require.NoError(t, m.Check(st), "step %d", step)
		if st.Corpus.Count() > 0 {
			id, err := m.Next(st)
			require.NoError(t, err)
			// the draw comes from the favored set whenever it is non-empty
			if m.Favored(st).Count() > 0 {
				assert.True(t, m.IsFavored(st, id))
			}
		}
	}
}
