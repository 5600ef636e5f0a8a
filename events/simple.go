package events

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/monitor"
	"alma.local/covfuzz/state"
)

// Simple hands every event straight to a monitor in the same process.
type Simple struct {
	mon   monitor.Monitor
	stats *monitor.Stats
	rep   reporter
	stop  atomic.Bool
	log   log.FieldLogger
}

type Option func(*options)

type options struct {
	interval time.Duration
	log      log.FieldLogger
}

// WithReportInterval sets how often MaybeReport emits stats.
func WithReportInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

func WithLogger(l log.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{log: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewSimple(mon monitor.Monitor, opts ...Option) *Simple {
	o := buildOptions(opts)
	return &Simple{
		mon:   mon,
		stats: monitor.NewStats(time.Now()),
		rep:   newReporter(o.interval),
		log:   o.log,
	}
}

// Stats exposes the aggregated statistics.
func (m *Simple) Stats() *monitor.Stats { return m.stats }

// RequestStop makes the next Process call return ErrShuttingDown.
func (m *Simple) RequestStop() { m.stop.Store(true) }

func (m *Simple) Fire(_ *state.State, ev *Event) error {
	switch ev.Kind {
	case KindLog:
		logEvent(m.log, ev)
	case KindStop:
		m.RequestStop()
	default:
		if ApplyStats(m.stats, ev, time.Now()) && m.mon != nil {
			m.mon.Display(ev.Kind.String(), ev.Client, m.stats)
		}
	}
	return nil
}

func (m *Simple) Process(context.Context, Evaluator, *state.State, executor.Executor) (int, error) {
	if m.stop.Load() {
		return 0, ErrShuttingDown
	}
	return 0, nil
}

func (m *Simple) BeforeExecute(*state.State, []byte) error { return nil }

func (m *Simple) AfterExecute(*state.State) error { return nil }

func (m *Simple) MaybeReport(st *state.State) error {
	if !m.rep.due() {
		return nil
	}
	return m.Fire(st, statsEvent(st))
}

func (m *Simple) OnRestart(*state.State) error { return nil }

func (m *Simple) Close() error { return nil }
