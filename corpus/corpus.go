// Package corpus stores testcases under monotonically increasing ids.
package corpus

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound is returned for ids that are not (or no longer) stored.
	ErrNotFound = errors.New("testcase not found")
	// ErrAppendOnly is returned by corpora that never drop entries.
	ErrAppendOnly = errors.New("corpus is append-only")
)

// Corpus is an ordered collection of testcases.
type Corpus interface {
	// Add stores tc under the next id.
	Add(tc *Testcase) (ID, error)
	Get(id ID) (*Testcase, error)
	// Replace swaps the testcase stored under id and returns the previous one.
	Replace(id ID, tc *Testcase) (*Testcase, error)
	Remove(id ID) (*Testcase, error)
	// IDs lists enabled entries in insertion order.
	IDs() []ID
	// Count is the number of enabled entries.
	Count() int
	Current() (ID, bool)
	SetCurrent(id ID) error
	// NextID is the id the next Add will assign.
	NextID() ID
	// Contains reports whether an identical input is already stored.
	Contains(input []byte) bool
}

func init() {
	gob.Register(&InMemoryCorpus{})
	gob.Register(&OnDiskCorpus{})
}

// InMemoryCorpus keeps every testcase on the heap.
type InMemoryCorpus struct {
	entries    map[ID]*Testcase
	order      []ID
	next       ID
	current    ID
	hasCurrent bool
	hashes     map[uint64][]ID
}

func NewInMemory() *InMemoryCorpus {
	return &InMemoryCorpus{
		entries: make(map[ID]*Testcase),
		hashes:  make(map[uint64][]ID),
	}
}

func (c *InMemoryCorpus) Add(tc *Testcase) (ID, error) {
	if tc == nil {
		return 0, errors.New("nil testcase")
	}
	id := c.next
	c.next++
	c.entries[id] = tc
	c.order = append(c.order, id)
	h := xxhash.Sum64(tc.Input)
	c.hashes[h] = append(c.hashes[h], id)
	return id, nil
}

func (c *InMemoryCorpus) Get(id ID) (*Testcase, error) {
	tc, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return tc, nil
}

func (c *InMemoryCorpus) Replace(id ID, tc *Testcase) (*Testcase, error) {
	prev, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	c.unhash(id, prev.Input)
	c.entries[id] = tc
	h := xxhash.Sum64(tc.Input)
	c.hashes[h] = append(c.hashes[h], id)
	return prev, nil
}

func (c *InMemoryCorpus) Remove(id ID) (*Testcase, error) {
	tc, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	delete(c.entries, id)
	c.unhash(id, tc.Input)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.hasCurrent && c.current == id {
		c.hasCurrent = false
	}
	return tc, nil
}

func (c *InMemoryCorpus) unhash(id ID, input []byte) {
	h := xxhash.Sum64(input)
	ids := c.hashes[h]
	for i, o := range ids {
		if o == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(c.hashes, h)
		return
	}
	c.hashes[h] = ids
}

func (c *InMemoryCorpus) IDs() []ID {
	ids := make([]ID, 0, len(c.order))
	for _, id := range c.order {
		if !c.entries[id].Disabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *InMemoryCorpus) Count() int {
	n := 0
	for _, id := range c.order {
		if !c.entries[id].Disabled {
			n++
		}
	}
	return n
}

func (c *InMemoryCorpus) Current() (ID, bool) { return c.current, c.hasCurrent }

func (c *InMemoryCorpus) SetCurrent(id ID) error {
	if _, ok := c.entries[id]; !ok {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	c.current, c.hasCurrent = id, true
	return nil
}

func (c *InMemoryCorpus) NextID() ID { return c.next }

func (c *InMemoryCorpus) Contains(input []byte) bool {
	for _, id := range c.hashes[xxhash.Sum64(input)] {
		if bytes.Equal(c.entries[id].Input, input) {
			return true
		}
	}
	return false
}

type inMemoryWire struct {
	Order      []ID
	Entries    []*Testcase
	Next       ID
	Current    ID
	HasCurrent bool
}

func (c *InMemoryCorpus) GobEncode() ([]byte, error) {
	w := inMemoryWire{Order: c.order, Next: c.next, Current: c.current, HasCurrent: c.hasCurrent}
	for _, id := range c.order {
		w.Entries = append(w.Entries, c.entries[id])
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("encode corpus: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *InMemoryCorpus) GobDecode(b []byte) error {
	var w inMemoryWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return fmt.Errorf("decode corpus: %w", err)
	}
	if len(w.Order) != len(w.Entries) {
		return fmt.Errorf("decode corpus: %d ids for %d entries", len(w.Order), len(w.Entries))
	}
	*c = *NewInMemory()
	c.next, c.current, c.hasCurrent = w.Next, w.Current, w.HasCurrent
	for i, id := range w.Order {
		if id >= c.next {
			return fmt.Errorf("decode corpus: id %d not below counter %d", id, c.next)
		}
		tc := w.Entries[i]
		c.entries[id] = tc
		c.order = append(c.order, id)
		h := xxhash.Sum64(tc.Input)
		c.hashes[h] = append(c.hashes[h], id)
	}
	return nil
}
