package scheduler

import (
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// TopRated maps every covered edge to the cheapest entry covering it.
type TopRated struct {
	Owner    map[uint32]corpus.ID
	Covering map[uint32][]corpus.ID
	Owned    map[corpus.ID]uint32
	// Rev changes whenever the favored set may have changed.
	Rev uint64
}

func init() {
	metadata.Register[TopRated]()
}

func topRated(st *state.State) *TopRated {
	t := metadata.GetOrInsert(st.Meta, func() *TopRated {
		return &TopRated{
			Owner:    map[uint32]corpus.ID{},
			Covering: map[uint32][]corpus.ID{},
			Owned:    map[corpus.ID]uint32{},
		}
	})
	if t.Owner == nil {
		t.Owner = map[uint32]corpus.ID{}
	}
	if t.Covering == nil {
		t.Covering = map[uint32][]corpus.ID{}
	}
	if t.Owned == nil {
		t.Owned = map[corpus.ID]uint32{}
	}
	return t
}

// Minimizer keeps a favored subset of the corpus that still covers every
// edge seen so far, preferring short and fast entries, and lets its base
// scheduler draw only from that subset.
type Minimizer struct {
	base       Restrictable
	favored    *bitset.BitSet
	favoredRev uint64
	hasFavored bool
}

func NewMinimizer(base Restrictable) *Minimizer {
	m := &Minimizer{base: base}
	base.Restrict(m.IsFavored)
	return m
}

func (m *Minimizer) Base() Restrictable { return m.base }

// penalty is the cost of keeping tc as an edge owner.
func penalty(tc *corpus.Testcase) float64 {
	t := tc.ExecTime.Seconds()
	if t <= 0 {
		t = 1e-9
	}
	return float64(max(1, len(tc.Input))) * t
}

func better(a corpus.ID, ta *corpus.Testcase, b corpus.ID, tb *corpus.Testcase) bool {
	pa, pb := penalty(ta), penalty(tb)
	if pa != pb {
		return pa < pb
	}
	return a < b
}

// elect recomputes the owner of edge e from the entries covering it.
func (m *Minimizer) elect(st *state.State, t *TopRated, e uint32) error {
	if old, ok := t.Owner[e]; ok {
		if t.Owned[old] <= 1 {
			delete(t.Owned, old)
		} else {
			t.Owned[old]--
		}
		delete(t.Owner, e)
	}
	var (
		best   corpus.ID
		bestTC *corpus.Testcase
	)
	for _, id := range t.Covering[e] {
		tc, err := st.Corpus.Get(id)
		if err != nil {
			return err
		}
		if bestTC == nil || better(id, tc, best, bestTC) {
			best, bestTC = id, tc
		}
	}
	if bestTC != nil {
		t.Owner[e] = best
		t.Owned[best]++
	}
	return nil
}

func (m *Minimizer) changed(st *state.State, t *TopRated) {
	t.Rev++
	m.base.Invalidate(st)
}

func (m *Minimizer) OnAdd(st *state.State, id corpus.ID) error {
	if err := m.base.OnAdd(st, id); err != nil {
		return err
	}
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return err
	}
	if tc.Disabled {
		return nil
	}
	t := topRated(st)
	for _, e := range feedback.Indexes(tc) {
		t.Covering[e] = append(t.Covering[e], id)
		cur, ok := t.Owner[e]
		if ok {
			curTC, err := st.Corpus.Get(cur)
			if err != nil {
				return err
			}
			if !better(id, tc, cur, curTC) {
				continue
			}
			if t.Owned[cur] <= 1 {
				delete(t.Owned, cur)
			} else {
				t.Owned[cur]--
			}
		}
		t.Owner[e] = id
		t.Owned[id]++
	}
	m.changed(st, t)
	return nil
}

// OnReplace re-rates every edge the entry covers, e.g. after calibration
// changed its exec time.
func (m *Minimizer) OnReplace(st *state.State, id corpus.ID, prev *corpus.Testcase) error {
	if err := m.base.OnReplace(st, id, prev); err != nil {
		return err
	}
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return err
	}
	t := topRated(st)
	edges := feedback.Indexes(tc)
	if prev != tc {
		for _, e := range feedback.Indexes(prev) {
			t.Covering[e] = slices.DeleteFunc(t.Covering[e], func(c corpus.ID) bool { return c == id })
			if len(t.Covering[e]) == 0 {
				delete(t.Covering, e)
			}
			if err := m.elect(st, t, e); err != nil {
				return err
			}
		}
		for _, e := range edges {
			t.Covering[e] = append(t.Covering[e], id)
		}
	}
	for _, e := range edges {
		if err := m.elect(st, t, e); err != nil {
			return err
		}
	}
	m.changed(st, t)
	return nil
}

// OnRemove hands every edge the entry owned to the next best covering entry.
func (m *Minimizer) OnRemove(st *state.State, id corpus.ID, tc *corpus.Testcase) error {
	t := topRated(st)
	for _, e := range feedback.Indexes(tc) {
		t.Covering[e] = slices.DeleteFunc(t.Covering[e], func(c corpus.ID) bool { return c == id })
		if len(t.Covering[e]) == 0 {
			delete(t.Covering, e)
		}
		if owner, ok := t.Owner[e]; ok && owner == id {
			if err := m.elect(st, t, e); err != nil {
				return err
			}
		}
	}
	delete(t.Owned, id)
	m.changed(st, t)
	return m.base.OnRemove(st, id, tc)
}

func (m *Minimizer) OnEvaluation(st *state.State, input []byte, obs *observer.Set) error {
	return m.base.OnEvaluation(st, input, obs)
}

func (m *Minimizer) Next(st *state.State) (corpus.ID, error) {
	return m.base.Next(st)
}

// Favored returns the set of ids that own at least one edge.
func (m *Minimizer) Favored(st *state.State) *bitset.BitSet {
	t := topRated(st)
	if m.hasFavored && m.favoredRev == t.Rev {
		return m.favored
	}
	m.favored = bitset.New(uint(st.Corpus.NextID()))
	for id, n := range t.Owned {
		if n > 0 {
			m.favored.Set(uint(id))
		}
	}
	m.favoredRev, m.hasFavored = t.Rev, true
	return m.favored
}

// IsFavored is the eligibility rule handed to the base scheduler.
func (m *Minimizer) IsFavored(st *state.State, id corpus.ID) bool {
	return m.Favored(st).Test(uint(id))
}

// Check verifies that every covered edge has exactly one owner, that the
// owner covers it and that no covering entry is strictly cheaper.
func (m *Minimizer) Check(st *state.State) error {
	t := topRated(st)
	owned := map[corpus.ID]uint32{}
	for e, ids := range t.Covering {
		owner, ok := t.Owner[e]
		if !ok {
			return fmt.Errorf("edge %d covered by %v has no owner", e, ids)
		}
		if !slices.Contains(ids, owner) {
			return fmt.Errorf("edge %d owned by %d which does not cover it", e, owner)
		}
		ownerTC, err := st.Corpus.Get(owner)
		if err != nil {
			return fmt.Errorf("edge %d: %w", e, err)
		}
		for _, id := range ids {
			tc, err := st.Corpus.Get(id)
			if err != nil {
				return fmt.Errorf("edge %d: %w", e, err)
			}
			if id != owner && better(id, tc, owner, ownerTC) {
				return fmt.Errorf("edge %d owned by %d but %d is cheaper", e, owner, id)
			}
		}
		owned[owner]++
	}
	for e := range t.Owner {
		if _, ok := t.Covering[e]; !ok {
			return fmt.Errorf("edge %d has an owner but no covering entry", e)
		}
	}
	for id, n := range t.Owned {
		if owned[id] != n {
			return fmt.Errorf("entry %d owns %d edges, bookkeeping says %d", id, owned[id], n)
		}
	}
	if len(owned) != len(t.Owned) {
		return fmt.Errorf("owned-count table has %d entries, expected %d", len(t.Owned), len(owned))
	}
	return nil
}
