package observer

import (
	"testing"
	"time"
)

func TestRecordAndReset(t *testing.T) {
	m := NewHitcountsMap("edges", 16)

	m.Record(1)
	m.Record(1)
	m.Record(17) // wraps onto index 1
	m.Record(3)

	if got := m.Usable()[1]; got != 3 {
		t.Errorf("Expected counter 1 to be 3, but got %d", got)
	}
	if got := m.CountNonZero(); got != 2 {
		t.Errorf("Expected 2 non-zero counters, but got %d", got)
	}

	m.Reset()
	if got := m.CountNonZero(); got != 0 {
		t.Errorf("Expected empty map after reset, but got %d non-zero counters", got)
	}
}

func TestRecordSaturates(t *testing.T) {
	m := NewHitcountsMap("edges", 4)
	for i := 0; i < 1000; i++ {
		m.Record(2)
	}
	if got := m.Usable()[2]; got != 0xff {
		t.Errorf("Expected counter to saturate at 255, but got %d", got)
	}
}

func TestInstallAndHit(t *testing.T) {
	m := NewHitcountsMap("edges", 8)
	Install(m)
	defer Install(nil)

	Hit(5)
	Hit(5)
	if got := m.Usable()[5]; got != 2 {
		t.Errorf("Expected 2 hits on edge 5, but got %d", got)
	}

	Install(nil)
	Hit(5)
	if got := m.Usable()[5]; got != 2 {
		t.Errorf("Hit without an installed map must not record, got %d", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := NewHitcountsMap("edges", 8)
	clock := NewTimeObserver("time")
	s := MustSet(src, clock)

	if err := s.PreExecAll(); err != nil {
		t.Fatal(err)
	}
	src.Record(3)
	if err := s.PostExecAll(Run{Elapsed: 7 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	r := s.Snapshot()

	dst := MustSet(NewHitcountsMap("edges", 8), NewTimeObserver("time"))
	if err := dst.Restore(r); err != nil {
		t.Fatal(err)
	}
	m, err := dst.Map("edges")
	if err != nil {
		t.Fatal(err)
	}
	if m.Usable()[3] != 1 {
		t.Errorf("Expected restored counter 3 to be 1, but got %d", m.Usable()[3])
	}
	tm, err := dst.Time("time")
	if err != nil {
		t.Fatal(err)
	}
	if tm.Last() != 7*time.Millisecond {
		t.Errorf("Expected restored time 7ms, but got %s", tm.Last())
	}

	small := MustSet(NewHitcountsMap("edges", 4))
	if err := small.Restore(r); err == nil {
		t.Errorf("Expected size mismatch error")
	}
}

func TestDuplicateNames(t *testing.T) {
	if _, err := NewSet(NewTimeObserver("x"), NewTimeObserver("x")); err == nil {
		t.Errorf("Expected duplicate name error")
	}
}
