package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Monitor is told about every event that changes the statistics.
type Monitor interface {
	Display(event string, client uint32, s *Stats)
}

// Simple prints one summary line per event.
type Simple struct {
	print func(string)
}

// NewSimple prints through fn.
func NewSimple(fn func(string)) *Simple { return &Simple{print: fn} }

// NewLogSimple prints through a logrus logger at info level.
func NewLogSimple(l log.FieldLogger) *Simple {
	return &Simple{print: func(s string) { l.Info(s) }}
}

func (m *Simple) Display(event string, client uint32, s *Stats) {
	m.print(fmt.Sprintf("[%s #%d] %s", event, client, globalLine(s)))
}

func globalLine(s *Stats) string {
	return fmt.Sprintf("run time: %s, clients: %d, corpus: %d, objectives: %d, executions: %d, exec/sec: %.0f",
		time.Since(s.Start).Truncate(time.Second), len(s.clients), s.TotalCorpus(), s.TotalObjectives(),
		s.TotalExecutions(), s.ExecsPerSec())
}

// Multi prints the global line followed by one line for the reporting client.
type Multi struct {
	print func(string)
}

func NewMulti(fn func(string)) *Multi { return &Multi{print: fn} }

func (m *Multi) Display(event string, client uint32, s *Stats) {
	m.print(fmt.Sprintf("[%s #%d] (GLOBAL) %s", event, client, globalLine(s)))
	c := s.Client(client)
	line := fmt.Sprintf("  (CLIENT) corpus: %d, objectives: %d, executions: %d, exec/sec: %.0f",
		c.CorpusSize, c.ObjectiveSize, c.Executions, c.ExecsPerSec)
	if len(c.User) > 0 {
		names := make([]string, 0, len(c.User))
		for k := range c.User {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = fmt.Sprintf("%s: %.3f", k, c.User[k])
		}
		line += ", " + strings.Join(parts, ", ")
	}
	m.print(line)
}

// Tee forwards every event to all monitors.
type Tee []Monitor

func (t Tee) Display(event string, client uint32, s *Stats) {
	for _, m := range t {
		m.Display(event, client, s)
	}
}
