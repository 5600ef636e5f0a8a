package scheduler

import (
	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/state"
)

// aliasTable draws ids in O(1) with probability proportional to their weight
// (Vose's alias method).
type aliasTable struct {
	ids     []corpus.ID
	weights []float64
	prob    []float64
	alias   []int
	version uint64
}

func newAliasTable(ids []corpus.ID, weights []float64, version uint64) *aliasTable {
	n := len(ids)
	t := &aliasTable{
		ids:     ids,
		weights: weights,
		prob:    make([]float64, n),
		alias:   make([]int, n),
		version: version,
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	scaled := make([]float64, n)
	for i, w := range weights {
		if sum > 0 {
			scaled[i] = w * float64(n) / sum
		} else {
			scaled[i] = 1
		}
	}
	var small, large []int
	for i, p := range scaled {
		if p < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}
	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		t.prob[s] = scaled[s]
		t.alias[s] = l
		scaled[l] = scaled[l] + scaled[s] - 1
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}
	for _, i := range large {
		t.prob[i] = 1
	}
	// leftovers from rounding
	for _, i := range small {
		t.prob[i] = 1
	}
	return t
}

func (t *aliasTable) draw(r *state.Rand) corpus.ID {
	i := r.Below(len(t.ids))
	if r.Float64() < t.prob[i] {
		return t.ids[i]
	}
	return t.ids[t.alias[i]]
}

// probabilities returns the normalized weight of every id.
func (t *aliasTable) probabilities() map[corpus.ID]float64 {
	out := make(map[corpus.ID]float64, len(t.ids))
	sum := 0.0
	for _, w := range t.weights {
		sum += w
	}
	for i, id := range t.ids {
		if sum > 0 {
			out[id] = t.weights[i] / sum
		} else {
			out[id] = 1 / float64(len(t.ids))
		}
	}
	return out
}
