// Package generator produces initial inputs when no seed corpus is given.
package generator

import (
	"errors"

	"alma.local/covfuzz/state"
)

// Generator yields a fresh input on every call.
type Generator interface {
	Generate(st *state.State) ([]byte, error)
}

// RandBytes generates inputs of 1..MaxSize uniformly random bytes.
type RandBytes struct {
	MaxSize int
}

func (g RandBytes) Generate(st *state.State) ([]byte, error) {
	if g.MaxSize <= 0 {
		return nil, errors.New("generator max size must be positive")
	}
	b := make([]byte, st.Rand.Between(1, g.MaxSize))
	st.Rand.Fill(b)
	return b, nil
}

// RandPrintables generates inputs of 1..MaxSize printable ASCII characters.
type RandPrintables struct {
	MaxSize int
}

const printables = " !\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

func (g RandPrintables) Generate(st *state.State) ([]byte, error) {
	if g.MaxSize <= 0 {
		return nil, errors.New("generator max size must be positive")
	}
	b := make([]byte, st.Rand.Between(1, g.MaxSize))
	for i := range b {
		b[i] = printables[st.Rand.Below(len(printables))]
	}
	return b, nil
}

// Fixed replays a list of inputs in order, then fails.
type Fixed struct {
	Inputs [][]byte
	next   int
}

// ErrExhausted is returned once a finite generator has nothing left.
var ErrExhausted = errors.New("generator exhausted")

func (g *Fixed) Generate(*state.State) ([]byte, error) {
	if g.next >= len(g.Inputs) {
		return nil, ErrExhausted
	}
	in := g.Inputs[g.next]
	g.next++
	return append([]byte(nil), in...), nil
}
