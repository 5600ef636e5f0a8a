package scheduler

import (
	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// Queue walks the corpus in insertion order, wrapping around.
type Queue struct {
	eligible Eligibility
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Restrict(fn Eligibility) { q.eligible = fn }

func (q *Queue) Invalidate(st *state.State) { GlobalMeta(st).Dirty = true }

func (q *Queue) OnAdd(st *state.State, id corpus.ID) error { return onAdd(st, id) }

func (q *Queue) OnReplace(*state.State, corpus.ID, *corpus.Testcase) error { return nil }

func (q *Queue) OnRemove(*state.State, corpus.ID, *corpus.Testcase) error { return nil }

func (q *Queue) OnEvaluation(*state.State, []byte, *observer.Set) error { return nil }

func (q *Queue) Next(st *state.State) (corpus.ID, error) {
	ids := candidates(st, q.eligible)
	if len(ids) == 0 {
		return 0, ErrEmptyCorpus
	}
	g := GlobalMeta(st)
	next := ids[0]
	wrapped := true
	if g.HasCursor {
		for _, id := range ids {
			if id > g.Cursor {
				next, wrapped = id, false
				break
			}
		}
	}
	if wrapped && g.HasCursor {
		g.QueueCycles++
	}
	g.Cursor, g.HasCursor = next, true
	tc, err := st.Corpus.Get(next)
	if err != nil {
		return 0, err
	}
	EntryMeta(tc).FuzzLevel++
	g.Selections++
	return next, st.Corpus.SetCurrent(next)
}
