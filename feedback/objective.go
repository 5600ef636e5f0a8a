package feedback

import (
	"fmt"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// CrashCause is attached to every solution.
type CrashCause struct {
	Kind executor.ExitKind
}

func (c *CrashCause) String() string { return c.Kind.String() }

func init() {
	metadata.Register[CrashCause]()
}

// Ignore selects exit kinds that are never solutions.
type Ignore struct {
	Crashes  bool
	Ooms     bool
	Timeouts bool
}

func (ig Ignore) Ignores(k executor.ExitKind) bool {
	switch k {
	case executor.Crash:
		return ig.Crashes
	case executor.Oom:
		return ig.Ooms
	case executor.Timeout:
		return ig.Timeouts
	}
	return true
}

// ExitKindFeedback is the objective: a run is a solution when the target
// crashed, ran out of memory or hung, unless that kind is ignored.
type ExitKindFeedback struct {
	ignore Ignore
	last   executor.ExitKind
}

func NewExitKindFeedback(ignore Ignore) *ExitKindFeedback {
	return &ExitKindFeedback{ignore: ignore}
}

func (f *ExitKindFeedback) Name() string { return "exit_kind" }

func (f *ExitKindFeedback) IsInteresting(_ *state.State, _ []byte, _ *observer.Set, exit executor.ExitKind) (bool, error) {
	f.last = exit
	return !f.ignore.Ignores(exit), nil
}

func (f *ExitKindFeedback) AppendMetadata(_ *state.State, _ *observer.Set, tc *corpus.Testcase) error {
	metadata.Set(tc.Meta, &CrashCause{Kind: f.last})
	return nil
}

func (f *ExitKindFeedback) Discard(*state.State) error {
	f.last = executor.Ok
	return nil
}

// TimeFeedback never asks to keep a run; it stamps stored testcases with the
// measured execution time.
type TimeFeedback struct {
	timeName string
}

func NewTimeFeedback(timeName string) *TimeFeedback {
	return &TimeFeedback{timeName: timeName}
}

func (f *TimeFeedback) Name() string { return "time" }

func (f *TimeFeedback) IsInteresting(*state.State, []byte, *observer.Set, executor.ExitKind) (bool, error) {
	return false, nil
}

func (f *TimeFeedback) AppendMetadata(_ *state.State, obs *observer.Set, tc *corpus.Testcase) error {
	t, err := obs.Time(f.timeName)
	if err != nil {
		return fmt.Errorf("time feedback: %w", err)
	}
	tc.ExecTime = t.Last()
	return nil
}

func (f *TimeFeedback) Discard(*state.State) error { return nil }
