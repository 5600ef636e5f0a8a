package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/generator"
	"alma.local/covfuzz/state"
)

// GenerateInitialInputs draws up to n inputs from gen and evaluates them.
// With forced set every input is kept regardless of feedback.
func (f *Fuzzer) GenerateInitialInputs(ctx context.Context, ex executor.Executor, st *state.State, gen generator.Generator, mgr events.Manager, n int, forced bool) error {
	f.phase = PhaseSeeding
	for i := 0; i < n; i++ {
		input, err := gen.Generate(st)
		if errors.Is(err, generator.ErrExhausted) {
			break
		}
		if err != nil {
			return fmt.Errorf("generate seed %d: %w", i, err)
		}
		if err := f.seed(ctx, ex, st, mgr, input, forced); err != nil {
			return err
		}
	}
	return f.seeded(st)
}

// LoadInputs evaluates every regular file in dir, in name order.
func (f *Fuzzer) LoadInputs(ctx context.Context, ex executor.Executor, st *state.State, mgr events.Manager, dir string, forced bool) error {
	f.phase = PhaseSeeding
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read seed dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		input, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read seed %s: %w", e.Name(), err)
		}
		if err := f.seed(ctx, ex, st, mgr, input, forced); err != nil {
			return err
		}
	}
	return f.seeded(st)
}

func (f *Fuzzer) seed(ctx context.Context, ex executor.Executor, st *state.State, mgr events.Manager, input []byte, forced bool) error {
	if forced {
		_, err := f.AddInput(ctx, ex, st, mgr, input)
		return err
	}
	_, _, err := f.EvaluateInput(ctx, ex, st, mgr, input, corpus.Seed())
	return err
}

func (f *Fuzzer) seeded(st *state.State) error {
	f.log.WithFields(log.Fields{
		"corpus":    st.Corpus.Count(),
		"solutions": st.Solutions.Count(),
		"execs":     st.Executions,
	}).Info("initial inputs evaluated")
	if st.Corpus.Count() == 0 {
		return ErrNoSeeds
	}
	return nil
}

// prepare runs every preparing stage on entries that still need it.
func (f *Fuzzer) prepare(ctx context.Context, stages []Stage, ex executor.Executor, st *state.State, mgr events.Manager) error {
	for _, s := range stages {
		p, ok := s.(Preparer)
		if !ok {
			continue
		}
		for _, id := range st.Corpus.IDs() {
			if p.Prepared(st, id) {
				continue
			}
			if err := p.Perform(ctx, f, ex, st, mgr, id); err != nil {
				return fmt.Errorf("%s on %d: %w", p.Name(), id, err)
			}
		}
	}
	return nil
}

// FuzzOne imports peer findings, selects one entry and runs every stage on it.
func (f *Fuzzer) FuzzOne(ctx context.Context, stages []Stage, ex executor.Executor, st *state.State, mgr events.Manager) (corpus.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrShuttingDown
	}
	if _, err := mgr.Process(ctx, f, st, ex); err != nil {
		return 0, err
	}
	id, err := f.sched.Next(st)
	if err != nil {
		return 0, fmt.Errorf("select entry: %w", err)
	}
	if err := st.Corpus.SetCurrent(id); err != nil {
		return 0, err
	}
	for _, s := range stages {
		if err := s.Perform(ctx, f, ex, st, mgr, id); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				return id, err
			}
			return id, fmt.Errorf("stage %s on %d: %w", s.Name(), id, err)
		}
	}
	f.phase = PhaseReporting
	if err := mgr.MaybeReport(st); err != nil {
		return id, err
	}
	return id, nil
}

// FuzzLoop fuzzes until stop holds, ctx is cancelled or the manager asks
// to shut down. A stop by condition returns nil; any other stop returns
// ErrShuttingDown.
func (f *Fuzzer) FuzzLoop(ctx context.Context, stages []Stage, ex executor.Executor, st *state.State, mgr events.Manager, stop StopCondition) error {
	if stop == nil {
		stop = Never()
	}
	start := f.now()
	if err := f.prepare(ctx, stages, ex, st, mgr); err != nil {
		return f.halt(st, mgr, err)
	}
	var iters uint64
	for {
		p := Progress{State: st, Iterations: iters, Elapsed: f.now().Sub(start)}
		if stop.Done(p) {
			f.log.WithFields(log.Fields{"reason": stop, "iterations": iters}).Info("stop condition reached")
			return f.halt(st, mgr, nil)
		}
		if _, err := f.FuzzOne(ctx, stages, ex, st, mgr); err != nil {
			return f.halt(st, mgr, err)
		}
		iters++
	}
}

// FuzzLoopFor runs exactly iters rounds unless stopped earlier.
func (f *Fuzzer) FuzzLoopFor(ctx context.Context, stages []Stage, ex executor.Executor, st *state.State, mgr events.Manager, iters uint64) error {
	return f.FuzzLoop(ctx, stages, ex, st, mgr, Iterations(iters))
}

func (f *Fuzzer) halt(st *state.State, mgr events.Manager, err error) error {
	f.phase = PhaseStopped
	if err != nil && !errors.Is(err, ErrShuttingDown) {
		return err
	}
	if ferr := mgr.Fire(st, events.ExecStats(st.ClientID, uint64(st.Corpus.Count()), uint64(st.Solutions.Count()), st.Executions)); ferr != nil {
		f.log.WithError(ferr).Debug("final stats not delivered")
	}
	return err
}
