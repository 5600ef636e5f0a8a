package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/metadata"
)

type hits struct {
	Total uint64
}

func init() {
	metadata.Register[hits]()
}

func inputs(c corpus.Corpus) [][]byte {
	var out [][]byte
	for _, id := range c.IDs() {
		tc, _ := c.Get(id)
		out = append(out, tc.Input)
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	solutions, err := corpus.NewOnDisk(t.TempDir())
	require.NoError(t, err)
	st := New(42, corpus.NewInMemory(), solutions)
	st.Executions = 1234
	st.ClientID = 3
	metadata.Set(st.Meta, &hits{Total: 9})

	for _, in := range []string{"alpha", "beta", "gamma"} {
		tc := corpus.NewTestcase([]byte(in), corpus.Seed())
		metadata.Set(tc.Meta, &hits{Total: uint64(len(in))})
		_, err := st.Corpus.Add(tc)
		require.NoError(t, err)
	}
	_, err = st.Solutions.Add(corpus.NewTestcase([]byte("boom"), corpus.MutationOf(1)))
	require.NoError(t, err)
	// advance the stream so the restored position is not the seed position
	for i := 0; i < 17; i++ {
		st.Rand.Uint64()
	}

	blob, err := st.Encode()
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)

	if diff := cmp.Diff(inputs(st.Corpus), inputs(got.Corpus)); diff != "" {
		t.Errorf("corpus mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, st.Corpus.NextID(), got.Corpus.NextID())
	assert.Equal(t, st.Solutions.Count(), got.Solutions.Count())
	assert.Equal(t, st.Executions, got.Executions)
	assert.Equal(t, st.ClientID, got.ClientID)
	assert.True(t, st.StartTime.Equal(got.StartTime))

	h, err := metadata.Get[hits](got.Meta)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), h.Total)
	tc, err := got.Corpus.Get(2)
	require.NoError(t, err)
	th, err := metadata.Get[hits](tc.Meta)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), th.Total)

	for i := 0; i < 100; i++ {
		require.Equal(t, st.Rand.Uint64(), got.Rand.Uint64())
	}
}

func TestIDsKeepIncreasingAfterRestore(t *testing.T) {
	st := New(1, corpus.NewInMemory(), corpus.NewInMemory())
	last, err := st.Corpus.Add(corpus.NewTestcase([]byte("x"), corpus.Seed()))
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		blob, err := st.Encode()
		require.NoError(t, err)
		st, err = Decode(blob)
		require.NoError(t, err)

		id, err := st.Corpus.Add(corpus.NewTestcase([]byte{byte(round)}, corpus.Seed()))
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not a snapshot"))
	require.ErrorIs(t, err, ErrCorruptedState)
}
