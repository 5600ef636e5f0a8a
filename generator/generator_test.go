package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/state"
)

func TestRandPrintables(t *testing.T) {
	st := state.New(3, corpus.NewInMemory(), corpus.NewInMemory())
	g := RandPrintables{MaxSize: 32}
	for i := 0; i < 500; i++ {
		b, err := g.Generate(st)
		require.NoError(t, err)
		require.NotEmpty(t, b)
		require.LessOrEqual(t, len(b), 32)
		for _, c := range b {
			require.True(t, c >= 0x20 && c <= 0x7e, "byte %#x", c)
		}
	}
}

func TestRandBytesRejectsZeroSize(t *testing.T) {
	st := state.New(3, corpus.NewInMemory(), corpus.NewInMemory())
	_, err := RandBytes{}.Generate(st)
	assert.Error(t, err)
}

func TestFixedExhausts(t *testing.T) {
	g := &Fixed{Inputs: [][]byte{[]byte("a"), []byte("b")}}
	for _, want := range []string{"a", "b"} {
		b, err := g.Generate(nil)
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
	_, err := g.Generate(nil)
	assert.ErrorIs(t, err, ErrExhausted)
}
