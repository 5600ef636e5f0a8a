// Package scheduler picks the next corpus entry to fuzz.
package scheduler

import (
	"errors"
	"time"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// ErrEmptyCorpus is returned by Next when nothing can be scheduled.
var ErrEmptyCorpus = errors.New("corpus has no schedulable entries")

// Scheduler is told about every corpus change and chooses what to fuzz next.
type Scheduler interface {
	OnAdd(st *state.State, id corpus.ID) error
	// OnReplace is also called when a testcase's metadata changed in place,
	// in which case prev is the stored testcase itself.
	OnReplace(st *state.State, id corpus.ID, prev *corpus.Testcase) error
	OnRemove(st *state.State, id corpus.ID, tc *corpus.Testcase) error
	OnEvaluation(st *state.State, input []byte, obs *observer.Set) error
	Next(st *state.State) (corpus.ID, error)
}

// Eligibility limits which entries a scheduler may return.
type Eligibility func(st *state.State, id corpus.ID) bool

// Restrictable schedulers can be narrowed to a subset of the corpus.
type Restrictable interface {
	Scheduler
	Restrict(fn Eligibility)
	// Invalidate forces weights to be recomputed before the next draw.
	Invalidate(st *state.State)
}

// TestcaseMeta is the scheduling bookkeeping kept on every entry.
type TestcaseMeta struct {
	Depth uint64
	// FuzzLevel counts how often the entry has been selected.
	FuzzLevel uint64
	// Handicap is the queue cycle the entry was added in.
	Handicap   uint64
	BitmapSize uint64
	PathHash   uint32
	Flaky      bool
}

// Meta is the client-wide scheduling state.
type Meta struct {
	QueueCycles uint64
	Selections  uint64

	TotalExecTime time.Duration
	TotalBitmap   uint64
	Calibrated    uint64

	// NFuzz counts how often each coverage pattern (by hash) was exercised.
	NFuzz    map[uint32]uint32
	LastPath uint32

	Cursor    corpus.ID
	HasCursor bool

	Dirty   bool
	Version uint64
}

func init() {
	metadata.Register[TestcaseMeta]()
	metadata.Register[Meta]()
}

// GlobalMeta returns the client-wide scheduling state, creating it on first use.
func GlobalMeta(st *state.State) *Meta {
	m := metadata.GetOrInsert(st.Meta, func() *Meta { return &Meta{NFuzz: map[uint32]uint32{}} })
	if m.NFuzz == nil {
		m.NFuzz = map[uint32]uint32{}
	}
	return m
}

// EntryMeta returns the scheduling bookkeeping of tc, creating it on first use.
func EntryMeta(tc *corpus.Testcase) *TestcaseMeta {
	return metadata.GetOrInsert(tc.Meta, func() *TestcaseMeta { return &TestcaseMeta{} })
}

// RecordCalibration folds one calibrated entry into the running averages.
func RecordCalibration(st *state.State, execTime time.Duration, bitmap uint64) {
	m := GlobalMeta(st)
	m.TotalExecTime += execTime
	m.TotalBitmap += bitmap
	m.Calibrated++
	m.Dirty = true
}

// onAdd fills in the bookkeeping every scheduler keeps for a new entry.
func onAdd(st *state.State, id corpus.ID) error {
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return err
	}
	g := GlobalMeta(st)
	tm := EntryMeta(tc)
	tm.Handicap = g.QueueCycles
	tm.PathHash = g.LastPath
	if tc.Origin.Origin == corpus.OriginMutation {
		if parent, err := st.Corpus.Get(tc.Origin.Parent); err == nil {
			tm.Depth = EntryMeta(parent).Depth + 1
		}
	}
	g.Dirty = true
	return nil
}

// candidates lists enabled entries accepted by fn, falling back to every
// enabled entry when fn accepts none.
func candidates(st *state.State, fn Eligibility) []corpus.ID {
	ids := st.Corpus.IDs()
	if fn == nil {
		return ids
	}
	var out []corpus.ID
	for _, id := range ids {
		if fn(st, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return ids
	}
	return out
}
