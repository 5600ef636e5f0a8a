package targets

import (
	"errors"
	"math/bits"

	ssz "github.com/ferranbt/fastssz"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/observer"
)

var (
	errBitlistEmpty    = errors.New("bitlist empty")
	errBitlistNoLength = errors.New("bitlist missing length bit")
	errBitlistTooLong  = errors.New("bitlist too long")
)

// validateBitlist is the reference check for an SSZ bitlist holding at most
// maxBits bits.
func validateBitlist(buf []byte, maxBits uint64) error {
	if len(buf) == 0 {
		return errBitlistEmpty
	}
	last := buf[len(buf)-1]
	if last == 0 {
		return errBitlistNoLength
	}
	if uint64(len(buf)) > maxBits/8+1 {
		return errBitlistTooLong
	}
	numBits := uint64(8*(len(buf)-1) + bits.Len8(last) - 1)
	if numBits > maxBits {
		return errBitlistTooLong
	}
	return nil
}

// Bitlist differentially checks fastssz's bitlist validation. The first
// byte picks the bit limit, the rest is the encoded bitlist. A verdict that
// differs from the reference is reported as a crash.
func Bitlist(input []byte) executor.ExitKind {
	if len(input) < 2 {
		observer.Hit(0)
		return executor.Ok
	}
	limit := uint64(input[0])
	buf := input[1:]

	observer.Hit(1 + uint32(min(len(buf), 64)))
	last := buf[len(buf)-1]
	observer.Hit(100 + uint32(bits.Len8(last)))

	got := ssz.ValidateBitlist(buf, limit)
	want := validateBitlist(buf, limit)
	switch {
	case got == nil && want == nil:
		observer.Hit(200)
	case got != nil && want != nil:
		observer.Hit(201 + uint32(errIndex(want)))
	default:
		observer.Hit(210)
		return executor.Crash
	}

	if len(buf) >= 4 {
		if _, err := ssz.DecodeDynamicLength(buf, int(limit)); err != nil {
			observer.Hit(220)
		} else {
			observer.Hit(221)
		}
	}
	return executor.Ok
}

func errIndex(err error) int {
	switch {
	case errors.Is(err, errBitlistEmpty):
		return 0
	case errors.Is(err, errBitlistNoLength):
		return 1
	}
	return 2
}

func init() {
	register(Target{Name: "bitlist", Description: "fastssz bitlist validation against a reference", Harness: Bitlist})
}
