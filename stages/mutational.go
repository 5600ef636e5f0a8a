package stages

import (
	"bytes"
	"context"
	"math"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/mutator"
	"alma.local/covfuzz/state"
)

const (
	DefaultBaseIterations = 16
	DefaultMaxIterations  = 1024
)

// PowerMutational mutates the selected entry a number of times that grows
// with its scheduling weight.
type PowerMutational struct {
	mutator mutator.Mutator
	base    int
	max     int
}

type MutationalOption func(*PowerMutational)

func WithIterations(base, maxIters int) MutationalOption {
	return func(p *PowerMutational) {
		p.base = max(1, base)
		p.max = max(1, maxIters)
	}
}

func NewPowerMutational(m mutator.Mutator, opts ...MutationalOption) *PowerMutational {
	p := &PowerMutational{mutator: m, base: DefaultBaseIterations, max: DefaultMaxIterations}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PowerMutational) Name() string { return "power_mutational" }

// Iterations is the number of children produced for tc.
func (p *PowerMutational) Iterations(tc *corpus.Testcase) int {
	n := math.Ceil(tc.Weight * float64(p.base))
	if math.IsNaN(n) || n < 1 {
		return 1
	}
	return int(math.Min(n, float64(p.max)))
}

func (p *PowerMutational) Perform(ctx context.Context, fz *fuzzer.Fuzzer, ex executor.Executor, st *state.State, mgr events.Manager, id corpus.ID) error {
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return err
	}
	fz.SetPhase(fuzzer.PhaseMutating)
	n := p.Iterations(tc)
	for i := 0; i < n; i++ {
		child, res, err := p.mutator.Mutate(st, bytes.Clone(tc.Input))
		if err != nil {
			return err
		}
		if res == mutator.Skipped {
			continue
		}
		if _, _, err := fz.EvaluateInput(ctx, ex, st, mgr, child, corpus.MutationOf(id)); err != nil {
			return err
		}
	}
	return nil
}
