package scheduler

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// nfuzzMask bounds the path-frequency table.
const nfuzzMask = 1<<16 - 1

// Weighted draws entries with probability proportional to a power-schedule
// weight. Weights live on the testcases and the table is rebuilt from them
// only when the state says so, so a restored client draws exactly like the
// one that was saved.
type Weighted struct {
	schedule PowerSchedule
	params   PowerParams
	mapName  string
	eligible Eligibility
	table    *aliasTable
}

func NewWeighted(schedule PowerSchedule, params PowerParams, mapName string) *Weighted {
	return &Weighted{schedule: schedule, params: params, mapName: mapName}
}

func (w *Weighted) Schedule() PowerSchedule { return w.schedule }

func (w *Weighted) Restrict(fn Eligibility) {
	w.eligible = fn
	w.table = nil
}

func (w *Weighted) Invalidate(st *state.State) { GlobalMeta(st).Dirty = true }

func (w *Weighted) OnAdd(st *state.State, id corpus.ID) error { return onAdd(st, id) }

func (w *Weighted) OnReplace(st *state.State, _ corpus.ID, _ *corpus.Testcase) error {
	GlobalMeta(st).Dirty = true
	return nil
}

func (w *Weighted) OnRemove(st *state.State, _ corpus.ID, _ *corpus.Testcase) error {
	GlobalMeta(st).Dirty = true
	return nil
}

// OnEvaluation counts how often the coverage pattern of the last run was seen.
func (w *Weighted) OnEvaluation(st *state.State, _ []byte, obs *observer.Set) error {
	m, err := obs.Map(w.mapName)
	if err != nil {
		return nil
	}
	g := GlobalMeta(st)
	h := uint32(xxhash.Sum64(m.Usable()) & nfuzzMask)
	g.NFuzz[h]++
	g.LastPath = h
	return nil
}

func (w *Weighted) averages(st *state.State, g *Meta, ids []corpus.ID) (averages, error) {
	var avg averages
	if g.Calibrated > 0 {
		avg.execTime = g.TotalExecTime / time.Duration(g.Calibrated)
		avg.bitmap = float64(g.TotalBitmap) / float64(g.Calibrated)
	}
	total, paths := 0.0, 0.0
	for _, id := range ids {
		tc, err := st.Corpus.Get(id)
		if err != nil {
			return avg, err
		}
		total += float64(len(tc.Input))
		paths += float64(max(1, g.NFuzz[EntryMeta(tc).PathHash]))
	}
	if len(ids) > 0 {
		avg.length = total / float64(len(ids))
		avg.nfuzz = paths / float64(len(ids))
	}
	return avg, nil
}

// recompute refreshes the weight of every enabled entry.
func (w *Weighted) recompute(st *state.State, g *Meta) error {
	ids := st.Corpus.IDs()
	avg, err := w.averages(st, g, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		tc, err := st.Corpus.Get(id)
		if err != nil {
			return err
		}
		tc.Weight = w.schedule.weight(w.params, g, tc, avg)
	}
	g.Dirty = false
	g.Version++
	return nil
}

func (w *Weighted) ensureTable(st *state.State) error {
	if st.Corpus.Count() == 0 {
		return ErrEmptyCorpus
	}
	g := GlobalMeta(st)
	if g.Dirty {
		if err := w.recompute(st, g); err != nil {
			return fmt.Errorf("recompute weights: %w", err)
		}
	}
	if w.table != nil && w.table.version == g.Version {
		return nil
	}
	ids := candidates(st, w.eligible)
	weights := make([]float64, len(ids))
	for i, id := range ids {
		tc, err := st.Corpus.Get(id)
		if err != nil {
			return err
		}
		weights[i] = tc.Weight
	}
	w.table = newAliasTable(ids, weights, g.Version)
	return nil
}

func (w *Weighted) Next(st *state.State) (corpus.ID, error) {
	if err := w.ensureTable(st); err != nil {
		return 0, err
	}
	id := w.table.draw(st.Rand)
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return 0, err
	}
	EntryMeta(tc).FuzzLevel++

	g := GlobalMeta(st)
	g.Selections++
	if g.Selections >= uint64(len(w.table.ids)) {
		g.QueueCycles++
		g.Selections = 0
		g.Dirty = true
	}
	return id, st.Corpus.SetCurrent(id)
}

// Probabilities exposes the current selection distribution.
func (w *Weighted) Probabilities(st *state.State) (map[corpus.ID]float64, error) {
	if err := w.ensureTable(st); err != nil {
		return nil, err
	}
	return w.table.probabilities(), nil
}
