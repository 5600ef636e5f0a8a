package events

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/metadata"
	"alma.local/covfuzz/monitor"
	"alma.local/covfuzz/state"
)

// ErrShuttingDown is returned by the fuzzing loop when a cooperative stop was
// requested. It is not a failure.
var ErrShuttingDown = errors.New("fuzzer shutting down")

// DefaultReportInterval gates periodic stats events.
const DefaultReportInterval = 15 * time.Second

// Evaluator judges an input found by another client, using the observer
// readings that came with it instead of re-running the target when possible.
// A re-run goes through mgr's execution hooks like any local run.
type Evaluator interface {
	EvaluateImported(ctx context.Context, st *state.State, ex executor.Executor, mgr Manager, ev *Event) (bool, error)
}

// importer is implemented by managers that receive peer inputs, so a
// wrapping manager can have re-runs go through its own hooks.
type importer interface {
	importAs(ctx context.Context, outer Manager, eval Evaluator, st *state.State, ex executor.Executor) (int, error)
}

// Manager is the fuzzer's link to its monitor, its peers and its supervisor.
type Manager interface {
	Fire(st *state.State, ev *Event) error
	// Process handles incoming events and returns how many inputs were imported.
	Process(ctx context.Context, eval Evaluator, st *state.State, ex executor.Executor) (int, error)
	BeforeExecute(st *state.State, input []byte) error
	AfterExecute(st *state.State) error
	MaybeReport(st *state.State) error
	// OnRestart persists whatever the next incarnation needs.
	OnRestart(st *state.State) error
	Close() error
}

// ImportStats counts what a client received from its peers.
type ImportStats struct {
	Imported       uint64
	Rejected       uint64
	Duplicates     uint64
	PeerObjectives uint64
}

func init() {
	metadata.Register[ImportStats]()
}

func importStats(st *state.State) *ImportStats {
	return metadata.GetOrInsert(st.Meta, func() *ImportStats { return &ImportStats{} })
}

// ApplyStats folds an event into the aggregated statistics. It reports
// whether the event should be shown by the monitor.
func ApplyStats(s *monitor.Stats, ev *Event, now time.Time) bool {
	c := s.Client(ev.Client)
	switch ev.Kind {
	case KindNewTestcase:
		c.CorpusSize = ev.CorpusSize
		c.UpdateExecutions(ev.Executions, now)
	case KindObjective:
		c.ObjectiveSize = ev.ObjectiveSize
		c.UpdateExecutions(ev.Executions, now)
	case KindExecStats:
		c.CorpusSize = ev.CorpusSize
		c.ObjectiveSize = ev.ObjectiveSize
		c.UpdateExecutions(ev.Executions, now)
	case KindUserStats:
		c.User[ev.Name] = ev.Value
	case KindHeartbeat:
		c.UpdateExecutions(ev.Executions, now)
		return false
	default:
		return false
	}
	return true
}

// logEvent writes a log event through l.
func logEvent(l log.FieldLogger, ev *Event) {
	entry := l.WithField("client", ev.Client)
	switch log.Level(ev.Level) {
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		entry.Error(ev.Name)
	case log.WarnLevel:
		entry.Warn(ev.Name)
	case log.DebugLevel, log.TraceLevel:
		entry.Debug(ev.Name)
	default:
		entry.Info(ev.Name)
	}
}

// reporter decides when periodic stats are due.
type reporter struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newReporter(interval time.Duration) reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return reporter{interval: interval, now: time.Now}
}

func (r *reporter) due() bool {
	now := r.now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}

func statsEvent(st *state.State) *Event {
	return ExecStats(st.ClientID, uint64(st.Corpus.Count()), uint64(st.Solutions.Count()), st.Executions)
}
