package fuzzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/state"
)

func TestStopConditions(t *testing.T) {
	st := state.New(1, corpus.NewInMemory(), corpus.NewInMemory())
	p := Progress{State: st, Iterations: 5, Elapsed: time.Second}

	assert.False(t, Never().Done(p))
	assert.True(t, Iterations(5).Done(p))
	assert.False(t, Iterations(6).Done(p))
	assert.True(t, Duration(time.Second).Done(p))
	assert.False(t, Executions(1).Done(p))
	assert.True(t, Any(Iterations(100), Duration(time.Millisecond)).Done(p))
	assert.Equal(t, "any(iterations(100),never)", Any(Iterations(100), Never()).String())
}

func TestFirstSolutionHonorsIgnore(t *testing.T) {
	st := state.New(1, corpus.NewInMemory(), corpus.NewInMemory())
	p := Progress{State: st}
	assert.False(t, FirstSolution(feedback.Ignore{}).Done(p))

	tc := corpus.NewTestcase([]byte("slow"), corpus.Seed())
	metadata.Set(tc.Meta, &feedback.CrashCause{Kind: executor.Timeout})
	_, err := st.Solutions.Add(tc)
	require.NoError(t, err)

	assert.False(t, FirstSolution(feedback.Ignore{Timeouts: true}).Done(p))
	assert.True(t, FirstSolution(feedback.Ignore{}).Done(p))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "calibrating", PhaseCalibrating.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
