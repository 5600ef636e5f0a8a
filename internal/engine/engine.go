// Package engine assembles the standard fuzzing pipeline from a
// configuration: observers, executor, feedback, scheduler and stages.
package engine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/config"
	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/feedback"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/generator"
	"alma.local/covfuzz/internal/targets"
	"alma.local/covfuzz/mutator"
	"alma.local/covfuzz/observer"
	"alma.local/covfuzz/scheduler"
	"alma.local/covfuzz/shmem"
	"alma.local/covfuzz/stages"
	"alma.local/covfuzz/state"
)

// Observer names used by the standard pipeline.
const (
	MapName  = "edges"
	TimeName = "time"
)

// Engine is one client's fuzzing pipeline.
type Engine struct {
	Config    *config.Config
	Observers *observer.Set
	Executor  executor.Executor
	Scheduler *scheduler.Minimizer
	Fuzzer    *fuzzer.Fuzzer
	Stages    []fuzzer.Stage

	covRegion *shmem.Region
	command   *executor.Command
	log       log.FieldLogger
}

type Option func(*options)

type options struct {
	harness   executor.Harness
	clock     func() time.Time
	onTimeout func(input []byte)
	log       log.FieldLogger
}

// WithHarness fuzzes h instead of the configured target.
func WithHarness(h executor.Harness) Option {
	return func(o *options) { o.harness = h }
}

// WithClock makes execution timing deterministic.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithTimeoutHook is called with the input of an in-process run that hung.
func WithTimeoutHook(fn func(input []byte)) Option {
	return func(o *options) { o.onTimeout = fn }
}

func WithLogger(l log.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{log: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{Config: cfg, log: o.log}
	ec := cfg.Engine

	var cov *observer.HitcountsMap
	if o.harness == nil && len(cfg.Command) > 0 {
		r, err := shmem.Create(shmem.NewName("covmap"), ec.MapSize)
		if err != nil {
			return nil, err
		}
		e.covRegion = r
		cov = observer.NewHitcountsMapOn(MapName, r.Bytes())
	} else {
		cov = observer.NewHitcountsMap(MapName, ec.MapSize)
	}
	obs, err := observer.NewSet(cov, observer.NewTimeObserver(TimeName))
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Observers = obs

	switch {
	case o.harness != nil || len(cfg.Command) == 0:
		h := o.harness
		if h == nil {
			t, err := targets.Lookup(cfg.Target)
			if err != nil {
				e.Close()
				return nil, err
			}
			h = t.Harness
		}
		inOpts := []executor.InProcessOption{executor.WithTimeout(ec.Timeout), executor.WithLogger(o.log)}
		if o.clock != nil {
			inOpts = append(inOpts, executor.WithClock(o.clock))
		}
		if o.onTimeout != nil {
			inOpts = append(inOpts, executor.WithTimeoutHook(o.onTimeout))
		}
		e.Executor = executor.NewInProcess(h, obs, inOpts...)
	default:
		cmd, err := executor.NewCommand(cfg.Command, obs,
			executor.WithCommandTimeout(ec.Timeout),
			executor.WithCoverageFile(e.covRegion.Path(), ec.MapSize),
			executor.WithOomExitCode(ec.OomExitCode),
			executor.WithCommandLogger(o.log),
		)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.command = cmd
		e.Executor = cmd
	}

	schedule, err := scheduler.ParseSchedule(ec.Schedule)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Scheduler = scheduler.NewMinimizer(scheduler.NewWeighted(schedule, ec.Power, MapName))

	fb := feedback.Or(feedback.NewMaxMapFeedback("coverage", MapName), feedback.NewTimeFeedback(TimeName))
	objective := feedback.NewExitKindFeedback(Ignore(cfg))
	e.Fuzzer = fuzzer.New(e.Scheduler, fb, objective, fuzzer.WithLogger(o.log))

	havoc := mutator.NewHavoc(mutator.WithMaxSize(ec.MaxInputSize), mutator.WithMaxStackPow(ec.MaxStackPow))
	e.Stages = []fuzzer.Stage{
		stages.NewCalibration(MapName, TimeName,
			stages.WithRuns(ec.CalibrationRuns, ec.CalibrationMaxRuns),
			stages.WithCalibrationLogger(o.log)),
		stages.NewPowerMutational(havoc, stages.WithIterations(ec.BaseIterations, ec.MaxIterations)),
	}
	return e, nil
}

// Ignore returns the exit kinds the configuration does not treat as solutions.
func Ignore(cfg *config.Config) feedback.Ignore {
	return feedback.Ignore{Crashes: cfg.Ignore.Crashes, Ooms: cfg.Ignore.Ooms, Timeouts: cfg.Ignore.Timeouts}
}

// NewState creates a fresh state for client id. Solutions go to the
// configured directory; an empty directory keeps them in memory.
func NewState(cfg *config.Config, id uint32) (*state.State, error) {
	var solutions corpus.Corpus = corpus.NewInMemory()
	if dir := cfg.Engine.SolutionsDir; dir != "" {
		c, err := corpus.NewOnDisk(dir)
		if err != nil {
			return nil, err
		}
		solutions = c
	}
	seed := cfg.Engine.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	// clients must not walk the same random stream
	seed += uint64(id) * 0x9e3779b97f4a7c15
	st := state.New(seed, corpus.NewInMemory(), solutions)
	st.ClientID = id
	return st, nil
}

// StopCondition builds the loop's stop condition from the configuration.
func StopCondition(cfg *config.Config) fuzzer.StopCondition {
	s := cfg.Stop
	switch s.Condition {
	case "first-solution":
		return fuzzer.FirstSolution(Ignore(cfg))
	case "iterations":
		return fuzzer.Iterations(s.Iterations)
	case "executions":
		return fuzzer.Executions(s.Executions)
	case "duration":
		return fuzzer.Duration(s.Duration)
	}
	return fuzzer.Never()
}

// Seed fills an empty corpus from the seed directory or the generator.
func (e *Engine) Seed(ctx context.Context, st *state.State, mgr events.Manager) error {
	ec := e.Config.Engine
	if ec.SeedDir != "" {
		return e.Fuzzer.LoadInputs(ctx, e.Executor, st, mgr, ec.SeedDir, true)
	}
	gen := generator.RandPrintables{MaxSize: ec.SeedMaxLen}
	return e.Fuzzer.GenerateInitialInputs(ctx, e.Executor, st, gen, mgr, ec.SeedCount, false)
}

// Run seeds the corpus if needed and fuzzes until the configured stop
// condition holds. A cooperative stop returns fuzzer.ErrShuttingDown.
func (e *Engine) Run(ctx context.Context, st *state.State, mgr events.Manager) error {
	if st.Corpus.Count() == 0 {
		if err := e.Seed(ctx, st, mgr); err != nil {
			return fmt.Errorf("seed corpus: %w", err)
		}
	}
	return e.Fuzzer.FuzzLoop(ctx, e.Stages, e.Executor, st, mgr, StopCondition(e.Config))
}

// Close releases the coverage region and the command's scratch files.
func (e *Engine) Close() error {
	var err error
	if e.command != nil {
		err = e.command.Close()
	}
	if e.covRegion != nil {
		if rerr := e.covRegion.Remove(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
