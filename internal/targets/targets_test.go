package targets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/observer"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"sentinel", "bitlist"} {
		tg, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, tg.Name)
	}
	_, err := Lookup("nope")
	assert.Error(t, err)
}

func TestSentinelCoverageClimbs(t *testing.T) {
	m := observer.NewHitcountsMap("edges", 16)
	observer.Install(m)
	defer observer.Install(nil)

	assert.Equal(t, executor.Ok, Sentinel([]byte("ab")))
	assert.Equal(t, 3, m.CountNonZero())
	assert.Panics(t, func() { Sentinel([]byte("abcd")) })
}

func TestReferenceBitlist(t *testing.T) {
	assert.ErrorIs(t, validateBitlist(nil, 8), errBitlistEmpty)
	assert.ErrorIs(t, validateBitlist([]byte{0x00}, 8), errBitlistNoLength)
	// one length bit, zero bits of data
	assert.NoError(t, validateBitlist([]byte{0x01}, 0))
	// 7 bits set below the length bit
	assert.NoError(t, validateBitlist([]byte{0xff}, 7))
	assert.ErrorIs(t, validateBitlist([]byte{0xff}, 6), errBitlistTooLong)
	assert.ErrorIs(t, validateBitlist([]byte{0xff, 0x01}, 7), errBitlistTooLong)
}

func TestBitlistHarnessAgreesOnBasics(t *testing.T) {
	m := observer.NewHitcountsMap("edges", observer.DefaultMapSize)
	observer.Install(m)
	defer observer.Install(nil)

	assert.Equal(t, executor.Ok, Bitlist([]byte{8, 0x01}))
	assert.Equal(t, executor.Ok, Bitlist([]byte{8, 0x00}))
	assert.NotZero(t, m.CountNonZero())
}

func TestBitlistHarnessDecodesLengthPrefix(t *testing.T) {
	m := observer.NewHitcountsMap("edges", observer.DefaultMapSize)
	observer.Install(m)
	defer observer.Install(nil)

	// offset 8 decodes to 2 elements, within the limit
	assert.Equal(t, executor.Ok, Bitlist([]byte{32, 0x08, 0, 0, 0x00}))
	assert.Equal(t, byte(1), m.Usable()[221])

	// offset 0x01000004 is far beyond the limit
	assert.Equal(t, executor.Ok, Bitlist([]byte{32, 0x04, 0, 0, 0x01}))
	assert.Equal(t, byte(1), m.Usable()[220])
}
