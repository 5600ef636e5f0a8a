package scheduler

import (
	"fmt"
	"math"
	"strings"
	"time"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/feedback"
)

// PowerSchedule selects how energy is spread over the corpus.
type PowerSchedule int

const (
	Explore PowerSchedule = iota
	Exploit
	Fast
	Coe
	Lin
	Quad
)

var scheduleNames = map[PowerSchedule]string{
	Explore: "explore",
	Exploit: "exploit",
	Fast:    "fast",
	Coe:     "coe",
	Lin:     "lin",
	Quad:    "quad",
}

func (p PowerSchedule) String() string {
	if s, ok := scheduleNames[p]; ok {
		return s
	}
	return fmt.Sprintf("schedule(%d)", int(p))
}

// ParseSchedule accepts the names printed by String, in any case.
func ParseSchedule(s string) (PowerSchedule, error) {
	for p, name := range scheduleNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return Explore, fmt.Errorf("unknown power schedule %q", s)
}

// PowerParams are the coefficients of the weight formula.
type PowerParams struct {
	Base      float64 `mapstructure:"base"`
	MinWeight float64 `mapstructure:"min_weight"`
	MaxWeight float64 `mapstructure:"max_weight"`

	// ratio bounds for mean/own exec time, own/mean bitmap size and mean/own length
	TimeMin   float64 `mapstructure:"time_min"`
	TimeMax   float64 `mapstructure:"time_max"`
	BitmapMin float64 `mapstructure:"bitmap_min"`
	BitmapMax float64 `mapstructure:"bitmap_max"`
	LenMin    float64 `mapstructure:"len_min"`
	LenMax    float64 `mapstructure:"len_max"`

	FoundScale    float64 `mapstructure:"found_scale"`
	HandicapBoost float64 `mapstructure:"handicap_boost"`
	HandicapDecay float64 `mapstructure:"handicap_decay"`
	FlakyPenalty  float64 `mapstructure:"flaky_penalty"`
	// MaxFactor caps the schedule-specific factor.
	MaxFactor float64 `mapstructure:"max_factor"`
}

func DefaultPowerParams() PowerParams {
	return PowerParams{
		Base:          1,
		MinWeight:     0.1,
		MaxWeight:     100,
		TimeMin:       0.1,
		TimeMax:       3,
		BitmapMin:     0.25,
		BitmapMax:     3,
		LenMin:        0.5,
		LenMax:        2,
		FoundScale:    0.5,
		HandicapBoost: 3,
		HandicapDecay: 0.5,
		FlakyPenalty:  0.5,
		MaxFactor:     32,
	}
}

// averages are the corpus-wide means the weight formula compares against.
type averages struct {
	execTime time.Duration
	bitmap   float64
	length   float64
	nfuzz    float64
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// weight computes the selection weight of one entry. The result is never negative.
func (s PowerSchedule) weight(p PowerParams, g *Meta, tc *corpus.Testcase, avg averages) float64 {
	tm := EntryMeta(tc)
	w := p.Base

	if tc.ExecTime > 0 && avg.execTime > 0 {
		w *= clamp(float64(avg.execTime)/float64(tc.ExecTime), p.TimeMin, p.TimeMax)
	}
	if tm.BitmapSize > 0 && avg.bitmap > 0 {
		w *= clamp(float64(tm.BitmapSize)/avg.bitmap, p.BitmapMin, p.BitmapMax)
	}
	if avg.length > 0 {
		w *= clamp(avg.length/math.Max(1, float64(len(tc.Input))), p.LenMin, p.LenMax)
	}
	found := float64(feedback.FoundCount(tc))
	w *= 1 + p.FoundScale*math.Log2(1+found)

	age := float64(g.QueueCycles - min(g.QueueCycles, tm.Handicap))
	w *= 1 + p.HandicapBoost*math.Pow(p.HandicapDecay, age)

	level := float64(min(tm.FuzzLevel, 30))
	hits := math.Max(1, float64(g.NFuzz[tm.PathHash]))
	switch s {
	case Exploit:
		w *= 1 + math.Log2(1+found)
	case Fast:
		w *= math.Min(math.Exp2(level)/hits, p.MaxFactor)
	case Coe:
		if hits > avg.nfuzz {
			w = 0
		} else {
			w *= math.Min(math.Exp2(level), p.MaxFactor)
		}
	case Lin:
		w *= math.Min((level+1)/hits, p.MaxFactor)
	case Quad:
		w *= math.Min((level+1)*(level+1)/hits, p.MaxFactor)
	}

	if tm.Flaky {
		w *= p.FlakyPenalty
	}
	if w <= 0 || math.IsNaN(w) {
		return 0
	}
	return clamp(w, p.MinWeight, p.MaxWeight)
}
