package corpus

import (
	"fmt"
	"time"

	"alma.local/covfuzz/metadata"
)

// ID identifies a testcase within one corpus. IDs are never reused.
type ID uint64

// Origin says where a testcase came from.
type Origin uint8

const (
	OriginSeed Origin = iota
	OriginMutation
	OriginImported
)

func (o Origin) String() string {
	switch o {
	case OriginSeed:
		return "seed"
	case OriginMutation:
		return "mutation"
	case OriginImported:
		return "imported"
	}
	return fmt.Sprintf("origin(%d)", uint8(o))
}

// Provenance records the parent entry of a mutant or the client that sent an
// imported input.
type Provenance struct {
	Origin Origin
	Parent ID
	Client uint32
}

func Seed() Provenance { return Provenance{Origin: OriginSeed} }

func MutationOf(parent ID) Provenance {
	return Provenance{Origin: OriginMutation, Parent: parent}
}

func ImportedFrom(client uint32) Provenance {
	return Provenance{Origin: OriginImported, Client: client}
}

func (p Provenance) String() string {
	switch p.Origin {
	case OriginMutation:
		return fmt.Sprintf("mutation of #%d", p.Parent)
	case OriginImported:
		return fmt.Sprintf("imported from client %d", p.Client)
	}
	return p.Origin.String()
}

// Testcase is one stored input plus everything learned about it.
// Input must not be modified once the testcase is in a corpus.
type Testcase struct {
	Input    []byte
	Meta     *metadata.Map
	Weight   float64
	Origin   Provenance
	ExecTime time.Duration
	// Executions is the state's execution count when the input was found.
	Executions uint64
	// Disabled entries are kept but never scheduled.
	Disabled bool
	// Filename is set by corpora that persist inputs.
	Filename string
}

// NewTestcase copies input into a fresh testcase.
func NewTestcase(input []byte, origin Provenance) *Testcase {
	return &Testcase{
		Input:  append([]byte(nil), input...),
		Meta:   metadata.New(),
		Weight: 1,
		Origin: origin,
	}
}
