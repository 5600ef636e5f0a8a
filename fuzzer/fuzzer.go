// Package fuzzer drives the evolutionary loop: pick an entry, run the stages
// on it, keep what the feedback likes and report progress.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/scheduler"
	"alma.local/covfuzz/state"
)

// ErrShuttingDown is returned when the loop stopped on request. Callers
// should pass it through and exit cleanly.
var ErrShuttingDown = events.ErrShuttingDown

// Phase is where the loop currently is.
type Phase int

const (
	PhaseSeeding Phase = iota
	PhaseCalibrating
	PhaseMutating
	PhaseReporting
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeding:
		return "seeding"
	case PhaseCalibrating:
		return "calibrating"
	case PhaseMutating:
		return "mutating"
	case PhaseReporting:
		return "reporting"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Result says where an evaluated input ended up.
type Result int

const (
	ResultNone Result = iota
	ResultCorpus
	ResultSolution
)

// Stage is one step performed on the selected entry.
type Stage interface {
	Name() string
	Perform(ctx context.Context, fz *Fuzzer, ex executor.Executor, st *state.State, mgr events.Manager, id corpus.ID) error
}

// Preparer is a stage that must have run once on every entry before it is
// mutated, such as calibration.
type Preparer interface {
	Stage
	Prepared(st *state.State, id corpus.ID) bool
}

// Fuzzer ties the scheduler, the feedback and the objective together.
type Fuzzer struct {
	sched     scheduler.Scheduler
	feedback  feedback.Feedback
	objective feedback.Feedback
	phase     Phase
	log       log.FieldLogger
	now       func() time.Time
}

type Option func(*Fuzzer)

func WithLogger(l log.FieldLogger) Option {
	return func(f *Fuzzer) { f.log = l }
}

func New(sched scheduler.Scheduler, fb, objective feedback.Feedback, opts ...Option) *Fuzzer {
	f := &Fuzzer{
		sched:     sched,
		feedback:  fb,
		objective: objective,
		log:       log.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fuzzer) Scheduler() scheduler.Scheduler { return f.sched }

func (f *Fuzzer) Phase() Phase { return f.phase }

// SetPhase is used by stages to report what they are doing.
func (f *Fuzzer) SetPhase(p Phase) { f.phase = p }

// ExecuteInput runs the target once and updates the execution counters.
// The observers keep the readings until the next run.
func (f *Fuzzer) ExecuteInput(ctx context.Context, ex executor.Executor, st *state.State, mgr events.Manager, input []byte) (executor.ExitKind, error) {
	if err := ctx.Err(); err != nil {
		return executor.Ok, ErrShuttingDown
	}
	if err := mgr.BeforeExecute(st, input); err != nil {
		return executor.Ok, err
	}
	exit, err := ex.Run(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return exit, ErrShuttingDown
		}
		return exit, fmt.Errorf("execute: %w", err)
	}
	st.Executions++
	if err := mgr.AfterExecute(st); err != nil {
		return exit, err
	}
	if err := f.sched.OnEvaluation(st, input, ex.Observers()); err != nil {
		return exit, err
	}
	return exit, nil
}

// EvaluateInput runs input and stores it if it is a solution or interesting.
func (f *Fuzzer) EvaluateInput(ctx context.Context, ex executor.Executor, st *state.State, mgr events.Manager, input []byte, origin corpus.Provenance) (Result, corpus.ID, error) {
	exit, err := f.ExecuteInput(ctx, ex, st, mgr, input)
	if err != nil {
		return ResultNone, 0, err
	}
	return f.Process(st, mgr, input, ex.Observers(), exit, origin)
}

// Process judges a run whose readings are already in obs and fires the
// matching event.
func (f *Fuzzer) Process(st *state.State, mgr events.Manager, input []byte, obs *observer.Set, exit executor.ExitKind, origin corpus.Provenance) (Result, corpus.ID, error) {
	res, id, err := f.judge(st, input, obs, exit, origin)
	if err != nil || mgr == nil {
		return res, id, err
	}
	switch res {
	case ResultSolution:
		err = mgr.Fire(st, events.Objective(st.ClientID, input, exit, uint64(st.Solutions.Count()), st.Executions))
	case ResultCorpus:
		err = mgr.Fire(st, events.NewTestcase(st.ClientID, input, obs.Snapshot(), uint64(st.Corpus.Count()), st.Executions))
	}
	return res, id, err
}

func (f *Fuzzer) judge(st *state.State, input []byte, obs *observer.Set, exit executor.ExitKind, origin corpus.Provenance) (Result, corpus.ID, error) {
	solution, err := f.objective.IsInteresting(st, input, obs, exit)
	if err != nil {
		return ResultNone, 0, err
	}
	if solution {
		id, err := f.addSolution(st, input, obs, origin)
		if err != nil {
			return ResultNone, 0, err
		}
		return ResultSolution, id, f.feedback.Discard(st)
	}

	interesting, err := f.feedback.IsInteresting(st, input, obs, exit)
	if err != nil {
		return ResultNone, 0, err
	}
	if !interesting {
		if err := f.feedback.Discard(st); err != nil {
			return ResultNone, 0, err
		}
		return ResultNone, 0, f.objective.Discard(st)
	}
	id, err := f.addEntry(st, input, obs, origin)
	if err != nil {
		return ResultNone, 0, err
	}
	return ResultCorpus, id, f.objective.Discard(st)
}

func (f *Fuzzer) addSolution(st *state.State, input []byte, obs *observer.Set, origin corpus.Provenance) (corpus.ID, error) {
	tc := corpus.NewTestcase(input, origin)
	tc.Executions = st.Executions
	if err := f.objective.AppendMetadata(st, obs, tc); err != nil {
		return 0, err
	}
	id, err := st.Solutions.Add(tc)
	if err != nil {
		return 0, fmt.Errorf("store solution: %w", err)
	}
	f.log.WithFields(log.Fields{"id": id, "origin": origin, "len": len(input)}).Info("found solution")
	return id, nil
}

func (f *Fuzzer) addEntry(st *state.State, input []byte, obs *observer.Set, origin corpus.Provenance) (corpus.ID, error) {
	tc := corpus.NewTestcase(input, origin)
	tc.Executions = st.Executions
	if err := f.feedback.AppendMetadata(st, obs, tc); err != nil {
		return 0, err
	}
	id, err := st.Corpus.Add(tc)
	if err != nil {
		return 0, fmt.Errorf("store testcase: %w", err)
	}
	if err := f.sched.OnAdd(st, id); err != nil {
		return id, err
	}
	st.LastFound = f.now()
	return id, nil
}

// AddInput runs input and stores it in the corpus even if no feedback asks
// for it. Solutions still go to the solutions corpus.
func (f *Fuzzer) AddInput(ctx context.Context, ex executor.Executor, st *state.State, mgr events.Manager, input []byte) (corpus.ID, error) {
	exit, err := f.ExecuteInput(ctx, ex, st, mgr, input)
	if err != nil {
		return 0, err
	}
	obs := ex.Observers()
	solution, err := f.objective.IsInteresting(st, input, obs, exit)
	if err != nil {
		return 0, err
	}
	if solution {
		id, err := f.addSolution(st, input, obs, corpus.Seed())
		if err != nil {
			return 0, err
		}
		return id, mgr.Fire(st, events.Objective(st.ClientID, input, exit, uint64(st.Solutions.Count()), st.Executions))
	}
	// judged only to update the feedback's history
	if _, err := f.feedback.IsInteresting(st, input, obs, exit); err != nil {
		return 0, err
	}
	id, err := f.addEntry(st, input, obs, corpus.Seed())
	if err != nil {
		return 0, err
	}
	return id, mgr.Fire(st, events.NewTestcase(st.ClientID, input, obs.Snapshot(), uint64(st.Corpus.Count()), st.Executions))
}

// EvaluateImported judges an input found by another client. The readings
// shipped with the event stand in for a local run when they fit our
// observers; otherwise the input is executed through mgr's hooks, so a
// peer input that kills this client is attributed after the restart.
func (f *Fuzzer) EvaluateImported(ctx context.Context, st *state.State, ex executor.Executor, mgr events.Manager, ev *events.Event) (bool, error) {
	obs := ex.Observers()
	exit := executor.Ok
	if ev.Readings == nil || obs.Restore(ev.Readings) != nil {
		var err error
		if exit, err = f.ExecuteInput(ctx, ex, st, mgr, ev.Input); err != nil {
			return false, err
		}
	}
	res, _, err := f.judge(st, ev.Input, obs, exit, corpus.ImportedFrom(ev.Client))
	return res == ResultCorpus, err
}

// AttributeCrash stores the input that was running when the previous
// incarnation of this client died.
func (f *Fuzzer) AttributeCrash(st *state.State, mgr events.Manager, obs *observer.Set, input []byte, exit executor.ExitKind) (bool, error) {
	solution, err := f.objective.IsInteresting(st, input, obs, exit)
	if err != nil || !solution {
		return false, err
	}
	if _, err := f.addSolution(st, input, obs, corpus.Seed()); err != nil {
		return false, err
	}
	return true, mgr.Fire(st, events.Objective(st.ClientID, input, exit, uint64(st.Solutions.Count()), st.Executions))
}

// ErrNoSeeds is returned when seeding left the corpus empty.
var ErrNoSeeds = errors.New("no initial input was kept")

// Disable stops id from being scheduled again. Its edges go to the next
// best entries.
func (f *Fuzzer) Disable(st *state.State, id corpus.ID) error {
	tc, err := st.Corpus.Get(id)
	if err != nil {
		return err
	}
	if tc.Disabled {
		return nil
	}
	tc.Disabled = true
	return f.sched.OnRemove(st, id, tc)
}
