// Package observer collects per-run readings of a target: coverage hit counts
// and execution time.
package observer

import (
	"fmt"
	"time"
)

// Run describes a finished execution as seen by observers.
type Run struct {
	Elapsed time.Duration
	// Failed is set when the target did not exit cleanly.
	Failed bool
}

// Observer records some aspect of a single execution.
type Observer interface {
	Name() string
	PreExec() error
	PostExec(run Run) error
}

// TimeObserver remembers how long the last run took.
type TimeObserver struct {
	name string
	last time.Duration
}

func NewTimeObserver(name string) *TimeObserver {
	return &TimeObserver{name: name}
}

func (t *TimeObserver) Name() string { return t.name }

func (t *TimeObserver) PreExec() error {
	t.last = 0
	return nil
}

func (t *TimeObserver) PostExec(run Run) error {
	t.last = run.Elapsed
	return nil
}

// Last returns the duration of the previous run.
func (t *TimeObserver) Last() time.Duration { return t.last }

// Set is an ordered collection of observers addressed by name.
type Set struct {
	list   []Observer
	byName map[string]Observer
}

// NewSet builds a set. Names must be unique.
func NewSet(obs ...Observer) (*Set, error) {
	s := &Set{byName: make(map[string]Observer, len(obs))}
	for _, o := range obs {
		if _, dup := s.byName[o.Name()]; dup {
			return nil, fmt.Errorf("duplicate observer name %q", o.Name())
		}
		s.list = append(s.list, o)
		s.byName[o.Name()] = o
	}
	return s, nil
}

// MustSet is NewSet for statically known observer lists.
func MustSet(obs ...Observer) *Set {
	s, err := NewSet(obs...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) Observers() []Observer { return s.list }

func (s *Set) Get(name string) (Observer, bool) {
	o, ok := s.byName[name]
	return o, ok
}

// PreExecAll prepares every observer for a run, in order.
func (s *Set) PreExecAll() error {
	for _, o := range s.list {
		if err := o.PreExec(); err != nil {
			return fmt.Errorf("observer %s pre-exec: %w", o.Name(), err)
		}
	}
	return nil
}

// PostExecAll hands the finished run to every observer, in order.
func (s *Set) PostExecAll(run Run) error {
	for _, o := range s.list {
		if err := o.PostExec(run); err != nil {
			return fmt.Errorf("observer %s post-exec: %w", o.Name(), err)
		}
	}
	return nil
}

// Map returns the hit-count map called name.
func (s *Set) Map(name string) (*HitcountsMap, error) {
	o, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("no observer named %q", name)
	}
	m, ok := o.(*HitcountsMap)
	if !ok {
		return nil, fmt.Errorf("observer %q is %T, not a hit-count map", name, o)
	}
	return m, nil
}

// FirstMap returns the first hit-count map in the set, or nil.
func (s *Set) FirstMap() *HitcountsMap {
	for _, o := range s.list {
		if m, ok := o.(*HitcountsMap); ok {
			return m
		}
	}
	return nil
}

// Time returns the time observer called name.
func (s *Set) Time(name string) (*TimeObserver, error) {
	o, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("no observer named %q", name)
	}
	t, ok := o.(*TimeObserver)
	if !ok {
		return nil, fmt.Errorf("observer %q is %T, not a time observer", name, o)
	}
	return t, nil
}

// Readings is a detached copy of what the observers saw during one run.
// It travels inside events so a peer can judge an input without re-running it.
type Readings struct {
	Maps  map[string][]byte
	Times map[string]time.Duration
}

// Snapshot copies the current readings of every map and time observer.
func (s *Set) Snapshot() *Readings {
	r := &Readings{Maps: map[string][]byte{}, Times: map[string]time.Duration{}}
	for _, o := range s.list {
		switch v := o.(type) {
		case *HitcountsMap:
			r.Maps[v.Name()] = append([]byte(nil), v.Usable()...)
		case *TimeObserver:
			r.Times[v.Name()] = v.Last()
		}
	}
	return r
}

// Restore loads readings into the matching observers. Maps must agree in size.
func (s *Set) Restore(r *Readings) error {
	for name, data := range r.Maps {
		m, err := s.Map(name)
		if err != nil {
			return err
		}
		if len(data) != m.Len() {
			return fmt.Errorf("map %q: reading has %d entries, observer has %d", name, len(data), m.Len())
		}
		copy(m.Usable(), data)
	}
	for name, d := range r.Times {
		t, err := s.Time(name)
		if err != nil {
			return err
		}
		t.last = d
	}
	return nil
}
