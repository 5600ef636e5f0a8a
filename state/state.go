// Package state holds everything a fuzzing client must carry across restarts:
// the RNG, both corpora, metadata and counters.
package state

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/metadata"
)

// ErrCorruptedState is returned when a snapshot cannot be decoded.
var ErrCorruptedState = errors.New("corrupted state snapshot")

// State is the mutable context of one fuzzing client.
type State struct {
	Rand      *Rand
	Corpus    corpus.Corpus
	Solutions corpus.Corpus
	Meta      *metadata.Map

	Executions uint64
	StartTime  time.Time
	LastFound  time.Time
	ClientID   uint32
	// Restarts counts how often this state has been restored after an abnormal exit.
	Restarts uint32
}

// New builds a fresh state around the given corpora.
func New(seed uint64, main, solutions corpus.Corpus) *State {
	return &State{
		Rand:      NewRand(seed),
		Corpus:    main,
		Solutions: solutions,
		Meta:      metadata.New(),
		StartTime: time.Now(),
	}
}

// Encode serializes the state as snappy-compressed gob.
func (s *State) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// Decode restores a state produced by Encode.
func Decode(b []byte) (*State, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	s := &State{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	if s.Rand == nil || s.Corpus == nil || s.Solutions == nil {
		return nil, fmt.Errorf("%w: missing rng or corpus", ErrCorruptedState)
	}
	if s.Meta == nil {
		s.Meta = metadata.New()
	}
	return s, nil
}

// CurrentTestcase returns the entry the scheduler selected last.
func (s *State) CurrentTestcase() (corpus.ID, *corpus.Testcase, error) {
	id, ok := s.Corpus.Current()
	if !ok {
		return 0, nil, fmt.Errorf("no current testcase: %w", corpus.ErrNotFound)
	}
	tc, err := s.Corpus.Get(id)
	if err != nil {
		return 0, nil, err
	}
	return id, tc, nil
}
