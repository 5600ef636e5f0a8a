package fuzzer

import (
	"fmt"
	"strings"
	"time"

	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/state"
)

// Progress is what a stop condition gets to look at between rounds.
type Progress struct {
	State      *state.State
	Iterations uint64
	Elapsed    time.Duration
}

// StopCondition ends a fuzzing loop.
type StopCondition interface {
	Done(p Progress) bool
	String() string
}

type stopFunc struct {
	name string
	fn   func(Progress) bool
}

func (s stopFunc) Done(p Progress) bool { return s.fn(p) }
func (s stopFunc) String() string       { return s.name }

func Never() StopCondition {
	return stopFunc{name: "never", fn: func(Progress) bool { return false }}
}

// FirstSolution holds once the solutions corpus contains an entry whose
// exit kind is not ignored.
func FirstSolution(ignore feedback.Ignore) StopCondition {
	return stopFunc{name: "first-solution", fn: func(p Progress) bool {
		sol := p.State.Solutions
		for _, id := range sol.IDs() {
			tc, err := sol.Get(id)
			if err != nil {
				continue
			}
			cause, err := metadata.Get[feedback.CrashCause](tc.Meta)
			if err != nil || !ignore.Ignores(cause.Kind) {
				return true
			}
		}
		return false
	}}
}

func Iterations(n uint64) StopCondition {
	return stopFunc{name: fmt.Sprintf("iterations(%d)", n), fn: func(p Progress) bool { return p.Iterations >= n }}
}

// Executions holds once the client ran the target n times in total.
func Executions(n uint64) StopCondition {
	return stopFunc{name: fmt.Sprintf("executions(%d)", n), fn: func(p Progress) bool { return p.State.Executions >= n }}
}

func Duration(d time.Duration) StopCondition {
	return stopFunc{name: fmt.Sprintf("duration(%s)", d), fn: func(p Progress) bool { return p.Elapsed >= d }}
}

// Any holds as soon as one of conds does.
func Any(conds ...StopCondition) StopCondition {
	names := make([]string, len(conds))
	for i, c := range conds {
		names[i] = c.String()
	}
	return stopFunc{name: "any(" + strings.Join(names, ",") + ")", fn: func(p Progress) bool {
		for _, c := range conds {
			if c.Done(p) {
				return true
			}
		}
		return false
	}}
}
