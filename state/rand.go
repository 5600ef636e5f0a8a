package state

import (
	"fmt"
	"math/rand/v2"
)

// Rand is the engine's only source of randomness. Its full position is part
// of the serialized state, so a restored engine draws the same stream.
type Rand struct {
	src *rand.PCG
	r   *rand.Rand
}

func NewRand(seed uint64) *Rand {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Rand{src: src, r: rand.New(src)}
}

func (r *Rand) Uint64() uint64 { return r.r.Uint64() }

func (r *Rand) Uint32() uint32 { return r.r.Uint32() }

func (r *Rand) Float64() float64 { return r.r.Float64() }

// Below returns a value in [0, n). n must be positive.
func (r *Rand) Below(n int) int { return r.r.IntN(n) }

// Between returns a value in [lo, hi].
func (r *Rand) Between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.r.IntN(hi-lo+1)
}

// Coin returns true with probability p.
func (r *Rand) Coin(p float64) bool { return r.r.Float64() < p }

// Fill overwrites b with random bytes.
func (r *Rand) Fill(b []byte) {
	for i := 0; i < len(b); i += 8 {
		v := r.r.Uint64()
		for j := i; j < len(b) && j < i+8; j++ {
			b[j] = byte(v)
			v >>= 8
		}
	}
}

func (r *Rand) GobEncode() ([]byte, error) {
	return r.src.MarshalBinary()
}

func (r *Rand) GobDecode(b []byte) error {
	src := &rand.PCG{}
	if err := src.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("restore rng: %w", err)
	}
	r.src, r.r = src, rand.New(src)
	return nil
}
