package shmem

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var (
	// ErrSnapshotTooLarge is returned when a snapshot exceeds the slot size.
	ErrSnapshotTooLarge = errors.New("snapshot larger than state slot")
	// ErrCorruptSnapshot means the committed slot fails its checksum.
	ErrCorruptSnapshot = errors.New("state snapshot checksum mismatch")
	// ErrInflightTooLarge is returned when an input does not fit the in-flight area.
	ErrInflightTooLarge = errors.New("input larger than in-flight area")
)

const (
	stateMagic = 0x31747376667663 // "cvfsts1"

	sOffMagic       = 0
	sOffSlotCap     = 8
	sOffInflightCap = 16
	sOffActive      = 24
	sOffGen         = 32
	sOffLen0        = 40
	sOffLen1        = 48
	sOffSum0        = 56
	sOffSum1        = 64
	sOffInflightLen = 72
	sOffInflightSum = 80
	stateHdrSize    = 128
)

// StateRegion holds the latest committed state snapshot of one client and
// the input it is currently executing. Snapshots are written to the idle
// slot and committed by flipping the active index, so a reader never sees a
// half-written snapshot even if the writer died mid-copy.
type StateRegion struct {
	region      *Region
	slotCap     uint64
	inflightCap uint64
}

// CreateStateRegion allocates room for snapshots of up to slotCap bytes and
// in-flight inputs of up to inflightCap bytes.
func CreateStateRegion(name string, slotCap, inflightCap int) (*StateRegion, error) {
	r, err := Create(name, stateHdrSize+inflightCap+2*slotCap)
	if err != nil {
		return nil, err
	}
	b := r.Bytes()
	store(b, sOffSlotCap, uint64(slotCap))
	store(b, sOffInflightCap, uint64(inflightCap))
	store(b, sOffMagic, stateMagic)
	return &StateRegion{region: r, slotCap: uint64(slotCap), inflightCap: uint64(inflightCap)}, nil
}

// OpenStateRegion attaches to a region created by the supervisor.
func OpenStateRegion(path string) (*StateRegion, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	b := r.Bytes()
	if len(b) < stateHdrSize || load(b, sOffMagic) != stateMagic {
		r.Close()
		return nil, errors.Errorf("%s: not a state region", path)
	}
	s := &StateRegion{region: r, slotCap: load(b, sOffSlotCap), inflightCap: load(b, sOffInflightCap)}
	if uint64(len(b)) != stateHdrSize+s.inflightCap+2*s.slotCap {
		r.Close()
		return nil, errors.Errorf("%s: size %d does not match layout", path, len(b))
	}
	return s, nil
}

func (s *StateRegion) Path() string { return s.region.Path() }

func (s *StateRegion) inflight() []byte {
	return s.region.Bytes()[stateHdrSize : stateHdrSize+s.inflightCap]
}

func (s *StateRegion) slot(i uint64) []byte {
	start := stateHdrSize + s.inflightCap + i*s.slotCap
	return s.region.Bytes()[start : start+s.slotCap]
}

func lenOff(i uint64) int { return sOffLen0 + int(i)*8 }

func sumOff(i uint64) int { return sOffSum0 + int(i)*8 }

// Save commits blob as the latest snapshot.
func (s *StateRegion) Save(blob []byte) error {
	if uint64(len(blob)) > s.slotCap {
		return errors.Wrapf(ErrSnapshotTooLarge, "%d bytes, slot holds %d", len(blob), s.slotCap)
	}
	b := s.region.Bytes()
	next := uint64(0)
	if load(b, sOffGen) > 0 {
		next = 1 - load(b, sOffActive)
	}
	copy(s.slot(next), blob)
	store(b, lenOff(next), uint64(len(blob)))
	store(b, sumOff(next), xxhash.Sum64(blob))
	store(b, sOffActive, next)
	add(b, sOffGen, 1)
	return nil
}

// Load returns the committed snapshot; ok is false if none was ever saved.
func (s *StateRegion) Load() (blob []byte, ok bool, err error) {
	b := s.region.Bytes()
	if load(b, sOffGen) == 0 {
		return nil, false, nil
	}
	active := load(b, sOffActive)
	n := load(b, lenOff(active))
	if active > 1 || n > s.slotCap {
		return nil, false, errors.Wrapf(ErrCorruptSnapshot, "slot %d length %d", active, n)
	}
	blob = append([]byte(nil), s.slot(active)[:n]...)
	if xxhash.Sum64(blob) != load(b, sumOff(active)) {
		return nil, false, ErrCorruptSnapshot
	}
	return blob, true, nil
}

// Generation counts committed snapshots.
func (s *StateRegion) Generation() uint64 { return load(s.region.Bytes(), sOffGen) }

// SetInflight records the input about to be executed. An input longer than
// the in-flight area is not recorded at all, so a crash is never attributed
// to a prefix of the input that caused it.
func (s *StateRegion) SetInflight(input []byte) error {
	b := s.region.Bytes()
	store(b, sOffInflightLen, 0)
	if uint64(len(input)) > s.inflightCap {
		return errors.Wrapf(ErrInflightTooLarge, "%d bytes, area holds %d", len(input), s.inflightCap)
	}
	n := copy(s.inflight(), input)
	store(b, sOffInflightSum, xxhash.Sum64(input[:n]))
	// stored as length+1 so that zero means "nothing in flight"
	store(b, sOffInflightLen, uint64(n)+1)
	return nil
}

// ClearInflight marks that no input is executing.
func (s *StateRegion) ClearInflight() {
	store(s.region.Bytes(), sOffInflightLen, 0)
}

// Inflight returns the input that was executing when the writer stopped.
func (s *StateRegion) Inflight() ([]byte, bool) {
	b := s.region.Bytes()
	n := load(b, sOffInflightLen)
	if n == 0 || n-1 > s.inflightCap {
		return nil, false
	}
	in := append([]byte(nil), s.inflight()[:n-1]...)
	if xxhash.Sum64(in) != load(b, sOffInflightSum) {
		return nil, false
	}
	return in, true
}

func (s *StateRegion) Close() error { return s.region.Close() }

func (s *StateRegion) Remove() error { return s.region.Remove() }
