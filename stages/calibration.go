// Package stages holds the work done on a selected corpus entry.
package stages

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/scheduler"
	"alma.local/covfuzz/state"
)

const (
	DefaultCalibrationRuns    = 4
	DefaultMaxCalibrationRuns = 8
)

// CalibrationMeta records how an entry behaved over repeated runs.
type CalibrationMeta struct {
	Runs     int
	MeanExec time.Duration
	// StdDevExec is the standard deviation of the run times.
	StdDevExec time.Duration
	BitmapSize uint64
	Unstable   []uint32
	Failures   int
	LastExit   executor.ExitKind
}

// Stability tracks, across all calibrations, which edges were seen and
// which of them changed between runs of the same input.
type Stability struct {
	Seen     []uint64
	Unstable []uint64
}

func (s *Stability) seen() *bitset.BitSet     { return bitset.From(s.Seen) }
func (s *Stability) unstable() *bitset.BitSet { return bitset.From(s.Unstable) }

// Ratio is the share of seen edges that behaved deterministically.
func (s *Stability) Ratio() float64 {
	seen := s.seen().Count()
	if seen == 0 {
		return 1
	}
	return 1 - float64(s.unstable().Count())/float64(seen)
}

func init() {
	metadata.Register[CalibrationMeta]()
	metadata.Register[Stability]()
}

// Calibration runs each new entry several times to measure its speed and
// find edges that do not reproduce.
type Calibration struct {
	mapName  string
	timeName string
	runs     int
	maxRuns  int
	log      log.FieldLogger
}

type CalibrationOption func(*Calibration)

// WithRuns sets the normal and the extended number of runs.
func WithRuns(runs, maxRuns int) CalibrationOption {
	return func(c *Calibration) {
		c.runs = max(1, runs)
		c.maxRuns = max(c.runs, maxRuns)
	}
}

func WithCalibrationLogger(l log.FieldLogger) CalibrationOption {
	return func(c *Calibration) { c.log = l }
}

func NewCalibration(mapName, timeName string, opts ...CalibrationOption) *Calibration {
	c := &Calibration{
		mapName:  mapName,
		timeName: timeName,
		runs:     DefaultCalibrationRuns,
		maxRuns:  DefaultMaxCalibrationRuns,
		log:      log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Calibration) Name() string { return "calibration" }

func (c *Calibration) Prepared(st *state.State, id corpus.ID) bool {
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return true
	}
	return metadata.Has[CalibrationMeta](tc.Meta)
}

func (c *Calibration) Perform(ctx context.Context, fz *fuzzer.Fuzzer, ex executor.Executor, st *state.State, mgr events.Manager, id corpus.ID) error {
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return err
	}
	if metadata.Has[CalibrationMeta](tc.Meta) {
		return nil
	}
	fz.SetPhase(fuzzer.PhaseCalibrating)

	obs := ex.Observers()
	cov, err := obs.Map(c.mapName)
	if err != nil {
		return err
	}
	timer, err := obs.Time(c.timeName)
	if err != nil {
		return err
	}

	var (
		first    []byte
		unstable = bitset.New(uint(cov.Len()))
		meta     CalibrationMeta
		mean, m2 float64
	)
	for runs := c.runs; meta.Runs < runs; {
		exit, err := fz.ExecuteInput(ctx, ex, st, mgr, tc.Input)
		if err != nil {
			return err
		}
		meta.Runs++
		if exit != executor.Ok {
			meta.Failures++
			meta.LastExit = exit
		}

		// Welford
		x := float64(timer.Last())
		d := x - mean
		mean += d / float64(meta.Runs)
		m2 += d * (x - mean)

		cur := cov.Usable()
		if first == nil {
			first = bytes.Clone(cur)
			continue
		}
		before := unstable.Count()
		for i, v := range cur {
			if feedback.Classify(v) != feedback.Classify(first[i]) {
				unstable.Set(uint(i))
			}
		}
		if unstable.Count() > before {
			runs = c.maxRuns
		}
	}

	meta.MeanExec = time.Duration(mean)
	if meta.Runs > 1 {
		meta.StdDevExec = time.Duration(math.Sqrt(m2 / float64(meta.Runs-1)))
	}
	for _, v := range first {
		if v != 0 {
			meta.BitmapSize++
		}
	}
	for i, ok := unstable.NextSet(0); ok; i, ok = unstable.NextSet(i + 1) {
		meta.Unstable = append(meta.Unstable, uint32(i))
	}
	metadata.Set(tc.Meta, &meta)

	tc.ExecTime = meta.MeanExec
	tm := scheduler.EntryMeta(tc)
	tm.BitmapSize = meta.BitmapSize
	tm.Flaky = len(meta.Unstable) > 0
	scheduler.RecordCalibration(st, meta.MeanExec, meta.BitmapSize)
	if err := fz.Scheduler().OnReplace(st, id, tc); err != nil {
		return err
	}

	ratio := c.recordStability(st, first, unstable)
	if tm.Flaky {
		c.log.WithFields(log.Fields{"id": id, "unstable": len(meta.Unstable), "stability": ratio}).Debug("entry is flaky")
		if err := mgr.Fire(st, events.UserStats(st.ClientID, "stability", ratio)); err != nil {
			return fmt.Errorf("report stability: %w", err)
		}
	}
	return nil
}

func (c *Calibration) recordStability(st *state.State, first []byte, unstable *bitset.BitSet) float64 {
	s := metadata.GetOrInsert(st.Meta, func() *Stability { return &Stability{} })
	seen := s.seen()
	for i, v := range first {
		if v != 0 {
			seen.Set(uint(i))
		}
	}
	all := s.unstable().Union(unstable)
	// unstable edges count as seen even when the first run missed them
	seen.InPlaceUnion(all)
	s.Seen = seen.Bytes()
	s.Unstable = all.Bytes()
	return s.Ratio()
}
