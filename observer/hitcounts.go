package observer

import (
	"sync/atomic"
)

// DefaultMapSize is the coverage map size used when none is configured.
// We use a power of 2 size so edge ids can be masked.
const DefaultMapSize = 1 << 16

// HitcountsMap is a named coverage map of saturating 8-bit hit counters.
// The backing buffer belongs to the caller and may live in shared memory.
type HitcountsMap struct {
	name string
	buf  []byte
}

// NewHitcountsMap allocates a heap-backed map of the given size.
func NewHitcountsMap(name string, size int) *HitcountsMap {
	if size <= 0 {
		size = DefaultMapSize
	}
	return &HitcountsMap{name: name, buf: make([]byte, size)}
}

// NewHitcountsMapOn wraps an existing buffer, typically a shared-memory region
// written by an out-of-process target.
func NewHitcountsMapOn(name string, buf []byte) *HitcountsMap {
	return &HitcountsMap{name: name, buf: buf}
}

func (m *HitcountsMap) Name() string { return m.name }

// PreExec clears the counters before a run.
func (m *HitcountsMap) PreExec() error {
	m.Reset()
	return nil
}

func (m *HitcountsMap) PostExec(_ Run) error { return nil }

// Reset zeroes every counter.
func (m *HitcountsMap) Reset() {
	clear(m.buf)
}

// Len returns the number of counters.
func (m *HitcountsMap) Len() int { return len(m.buf) }

// Usable returns the live counters. Callers must not retain the slice across runs.
func (m *HitcountsMap) Usable() []byte { return m.buf }

// Record increments the counter for edge, saturating at 255.
//
//go:noinline
func (m *HitcountsMap) Record(edge uint32) {
	if len(m.buf) == 0 {
		return
	}
	idx := int(edge % uint32(len(m.buf)))
	if m.buf[idx] != 0xff {
		m.buf[idx]++
	}
}

// CountNonZero returns how many counters were hit.
func (m *HitcountsMap) CountNonZero() int {
	n := 0
	for _, c := range m.buf {
		if c != 0 {
			n++
		}
	}
	return n
}

var active atomic.Pointer[HitcountsMap]

// Install makes m the target of Hit. Passing nil disables recording.
func Install(m *HitcountsMap) {
	active.Store(m)
}

// Installed returns the map Hit currently records into.
func Installed() *HitcountsMap {
	return active.Load()
}

// Hit records one traversal of edge in the installed map.
// Instrumented harnesses call it at every branch they want tracked.
func Hit(edge uint32) {
	if m := active.Load(); m != nil {
		m.Record(edge)
	}
}
