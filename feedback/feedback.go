// Package feedback decides whether an execution is worth keeping, either as a
// corpus entry (feedback) or as a solution (objective).
package feedback

import (
	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// Feedback judges one run. Anything that must survive a restart is kept in
// the state's metadata, not in the feedback value.
type Feedback interface {
	Name() string
	IsInteresting(st *state.State, input []byte, obs *observer.Set, exit executor.ExitKind) (bool, error)
	// AppendMetadata is called once the last judged input is going to be stored.
	AppendMetadata(st *state.State, obs *observer.Set, tc *corpus.Testcase) error
	// Discard drops anything remembered about the last judged input.
	Discard(st *state.State) error
}

type combined struct {
	name    string
	members []Feedback
	combine func(results []bool) bool
}

// Or is interesting when any member is. Every member judges every run.
func Or(members ...Feedback) Feedback {
	return &combined{name: "or", members: members, combine: func(r []bool) bool {
		for _, v := range r {
			if v {
				return true
			}
		}
		return false
	}}
}

// And is interesting when all members are. Every member judges every run.
func And(members ...Feedback) Feedback {
	return &combined{name: "and", members: members, combine: func(r []bool) bool {
		for _, v := range r {
			if !v {
				return false
			}
		}
		return len(r) > 0
	}}
}

func (c *combined) Name() string { return c.name }

func (c *combined) IsInteresting(st *state.State, input []byte, obs *observer.Set, exit executor.ExitKind) (bool, error) {
	results := make([]bool, len(c.members))
	for i, m := range c.members {
		ok, err := m.IsInteresting(st, input, obs, exit)
		if err != nil {
			return false, err
		}
		results[i] = ok
	}
	return c.combine(results), nil
}

func (c *combined) AppendMetadata(st *state.State, obs *observer.Set, tc *corpus.Testcase) error {
	for _, m := range c.members {
		if err := m.AppendMetadata(st, obs, tc); err != nil {
			return err
		}
	}
	return nil
}

func (c *combined) Discard(st *state.State) error {
	for _, m := range c.members {
		if err := m.Discard(st); err != nil {
			return err
		}
	}
	return nil
}

type not struct {
	inner Feedback
}

// Not inverts a feedback.
func Not(f Feedback) Feedback { return &not{inner: f} }

func (n *not) Name() string { return "not_" + n.inner.Name() }

func (n *not) IsInteresting(st *state.State, input []byte, obs *observer.Set, exit executor.ExitKind) (bool, error) {
	ok, err := n.inner.IsInteresting(st, input, obs, exit)
	return !ok, err
}

func (n *not) AppendMetadata(st *state.State, obs *observer.Set, tc *corpus.Testcase) error {
	return n.inner.AppendMetadata(st, obs, tc)
}

func (n *not) Discard(st *state.State) error { return n.inner.Discard(st) }
