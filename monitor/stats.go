// Package monitor aggregates client statistics and reports them.
package monitor

import (
	"sort"
	"time"
)

// rateWindow is the minimum interval between exec/sec samples.
const rateWindow = time.Second

// ClientStats is what one client last reported.
type ClientStats struct {
	CorpusSize    uint64
	ObjectiveSize uint64
	Executions    uint64
	StartTime     time.Time
	LastUpdate    time.Time
	ExecsPerSec   float64
	User          map[string]float64

	windowExecs uint64
	windowStart time.Time
}

// UpdateExecutions records a new execution total and refreshes the rate.
func (c *ClientStats) UpdateExecutions(execs uint64, now time.Time) {
	if c.windowStart.IsZero() {
		c.windowStart, c.windowExecs = now, execs
	}
	c.Executions = execs
	c.LastUpdate = now
	if d := now.Sub(c.windowStart); d >= rateWindow {
		c.ExecsPerSec = float64(execs-min(execs, c.windowExecs)) / d.Seconds()
		c.windowStart, c.windowExecs = now, execs
	}
}

// Stats holds the latest report of every client.
type Stats struct {
	Start   time.Time
	clients map[uint32]*ClientStats
}

func NewStats(now time.Time) *Stats {
	return &Stats{Start: now, clients: map[uint32]*ClientStats{}}
}

// Client returns the stats of id, creating them on first use.
func (s *Stats) Client(id uint32) *ClientStats {
	c, ok := s.clients[id]
	if !ok {
		c = &ClientStats{StartTime: time.Now(), User: map[string]float64{}}
		s.clients[id] = c
	}
	return c
}

// ClientIDs lists known clients in ascending order.
func (s *Stats) ClientIDs() []uint32 {
	ids := make([]uint32, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Stats) TotalCorpus() uint64 {
	var n uint64
	for _, c := range s.clients {
		n += c.CorpusSize
	}
	return n
}

func (s *Stats) TotalObjectives() uint64 {
	var n uint64
	for _, c := range s.clients {
		n += c.ObjectiveSize
	}
	return n
}

func (s *Stats) TotalExecutions() uint64 {
	var n uint64
	for _, c := range s.clients {
		n += c.Executions
	}
	return n
}

func (s *Stats) ExecsPerSec() float64 {
	var r float64
	for _, c := range s.clients {
		r += c.ExecsPerSec
	}
	return r
}
