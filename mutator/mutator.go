// Package mutator derives new inputs from corpus entries.
package mutator

import "alma.local/covfuzz/state"

// Result tells the caller whether the input was changed.
type Result int

const (
	Mutated Result = iota
	Skipped
)

func (r Result) String() string {
	if r == Mutated {
		return "mutated"
	}
	return "skipped"
}

// Mutator rewrites input in place or returns a new slice. All randomness
// comes from the state so runs are reproducible.
type Mutator interface {
	Mutate(st *state.State, input []byte) ([]byte, Result, error)
}
