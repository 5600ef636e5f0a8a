package mutator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/state"
)

func newState(seed uint64) *state.State {
	st := state.New(seed, corpus.NewInMemory(), corpus.NewInMemory())
	for _, in := range []string{"first entry", "second entry!"} {
		_, _ = st.Corpus.Add(corpus.NewTestcase([]byte(in), corpus.Seed()))
	}
	_ = st.Corpus.SetCurrent(0)
	return st
}

func TestHavocIsReproducible(t *testing.T) {
	run := func() [][]byte {
		st := newState(11)
		h := NewHavoc(WithMaxSize(64))
		var out [][]byte
		for i := 0; i < 200; i++ {
			in := []byte("the quick brown fox")
			got, _, err := h.Mutate(st, in)
			require.NoError(t, err)
			out = append(out, append([]byte(nil), got...))
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestHavocRespectsMaxSize(t *testing.T) {
	st := newState(5)
	h := NewHavoc(WithMaxSize(16), WithMaxStackPow(7))
	for i := 0; i < 2000; i++ {
		got, _, err := h.Mutate(st, []byte("0123456789"))
		require.NoError(t, err)
		require.LessOrEqual(t, len(got), 16)
	}
}

func TestHavocMutatesEmptyInput(t *testing.T) {
	st := newState(9)
	h := NewHavoc(WithOps(Op{"byte_insert", byteInsert}))
	got, res, err := h.Mutate(st, nil)
	require.NoError(t, err)
	assert.Equal(t, Mutated, res)
	assert.NotEmpty(t, got)
}

func TestHavocSkipsWhenNothingApplies(t *testing.T) {
	st := newState(9)
	h := NewHavoc(WithOps(Op{"bit_flip", bitFlip}))
	_, res, err := h.Mutate(st, nil)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
}

func TestEveryOpKeepsBounds(t *testing.T) {
	st := newState(21)
	for _, op := range DefaultOps() {
		for size := 0; size < 12; size++ {
			for i := 0; i < 50; i++ {
				buf := make([]byte, size)
				st.Rand.Fill(buf)
				got, _ := op.Apply(st, buf, 12)
				require.LessOrEqual(t, len(got), 24, op.Name)
			}
		}
	}
}
