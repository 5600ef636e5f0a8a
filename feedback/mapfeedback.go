package feedback

import (
	"fmt"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/state"
)

// Classify buckets a raw hit count. Each bucket is a distinct bit so that
// history can be kept as a union.
func Classify(count byte) byte {
	switch {
	case count == 0:
		return 0
	case count == 1:
		return 1
	case count == 2:
		return 2
	case count == 3:
		return 4
	case count <= 7:
		return 8
	case count <= 15:
		return 16
	case count <= 31:
		return 32
	case count <= 127:
		return 64
	}
	return 128
}

// MapHistory is the union of every bucket ever seen, per map feedback name.
type MapHistory struct {
	Maps map[string][]byte
}

// MapIndexes lists the map entries a testcase covered when it was added.
type MapIndexes struct {
	Indexes []uint32
}

// MapNovelties lists the entries where a testcase set a new bucket bit.
type MapNovelties struct {
	Novelties []uint32
}

func init() {
	metadata.Register[MapHistory]()
	metadata.Register[MapIndexes]()
	metadata.Register[MapNovelties]()
}

// MaxMapFeedback flags runs that reach a hit-count bucket no earlier run of
// this client reached on the same map entry.
type MaxMapFeedback struct {
	name    string
	mapName string
	// novelties of the last judged input, used by AppendMetadata
	novelties []uint32
}

func NewMaxMapFeedback(name, mapName string) *MaxMapFeedback {
	return &MaxMapFeedback{name: name, mapName: mapName}
}

func (f *MaxMapFeedback) Name() string { return f.name }

// MapName is the observer this feedback reads.
func (f *MaxMapFeedback) MapName() string { return f.mapName }

// History returns the accumulated buckets for this feedback, sized to n.
func (f *MaxMapFeedback) History(st *state.State, n int) []byte {
	h := metadata.GetOrInsert(st.Meta, func() *MapHistory {
		return &MapHistory{Maps: map[string][]byte{}}
	})
	if h.Maps == nil {
		h.Maps = map[string][]byte{}
	}
	cur := h.Maps[f.name]
	if len(cur) < n {
		grown := make([]byte, n)
		copy(grown, cur)
		h.Maps[f.name] = grown
		cur = grown
	}
	return cur
}

func (f *MaxMapFeedback) IsInteresting(st *state.State, _ []byte, obs *observer.Set, _ executor.ExitKind) (bool, error) {
	m, err := obs.Map(f.mapName)
	if err != nil {
		return false, fmt.Errorf("feedback %s: %w", f.name, err)
	}
	counts := m.Usable()
	history := f.History(st, len(counts))
	f.novelties = f.novelties[:0]
	for i, c := range counts {
		if c == 0 {
			continue
		}
		b := Classify(c)
		if b&^history[i] != 0 {
			history[i] |= b
			f.novelties = append(f.novelties, uint32(i))
		}
	}
	return len(f.novelties) > 0, nil
}

func (f *MaxMapFeedback) AppendMetadata(_ *state.State, obs *observer.Set, tc *corpus.Testcase) error {
	m, err := obs.Map(f.mapName)
	if err != nil {
		return fmt.Errorf("feedback %s: %w", f.name, err)
	}
	var idx []uint32
	for i, c := range m.Usable() {
		if c != 0 {
			idx = append(idx, uint32(i))
		}
	}
	metadata.Set(tc.Meta, &MapIndexes{Indexes: idx})
	metadata.Set(tc.Meta, &MapNovelties{Novelties: append([]uint32(nil), f.novelties...)})
	f.novelties = f.novelties[:0]
	return nil
}

func (f *MaxMapFeedback) Discard(*state.State) error {
	f.novelties = f.novelties[:0]
	return nil
}

// FoundCount is how many novel entries a testcase contributed when added.
func FoundCount(tc *corpus.Testcase) int {
	n, err := metadata.Get[MapNovelties](tc.Meta)
	if err != nil {
		return 0
	}
	return len(n.Novelties)
}

// Indexes returns the map entries a testcase covered.
func Indexes(tc *corpus.Testcase) []uint32 {
	n, err := metadata.Get[MapIndexes](tc.Meta)
	if err != nil {
		return nil
	}
	return n.Indexes
}
