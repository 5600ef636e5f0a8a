package restart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/config"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/internal/cores"
	"alma.local/covfuzz/internal/engine"
	"alma.local/covfuzz/monitor"
	"alma.local/covfuzz/shmem"
	"alma.local/covfuzz/state"
)

// IsChild reports whether this process was started by a Supervisor.
func IsChild() bool { return os.Getenv(EnvRole) == RoleClient }

// Child is the client side of a supervised process.
type Child struct {
	ID       uint32
	Core     int
	Region   *shmem.StateRegion
	Out, In  *shmem.Channel
	Restarts uint32
	// LastExit is how the previous incarnation died; Crashed is false on
	// the first start.
	LastExit executor.ExitKind
	Crashed  bool
}

// FromEnv opens the regions named in the environment.
func FromEnv(policy shmem.Overflow) (*Child, error) {
	c := &Child{Core: -1}
	if v := os.Getenv(EnvClient); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvClient, err)
		}
		c.ID = uint32(id)
	}
	if v := os.Getenv(EnvCore); v != "" {
		core, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvCore, err)
		}
		c.Core = core
	}
	if v := os.Getenv(EnvRestarts); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvRestarts, err)
		}
		c.Restarts = uint32(n)
	}
	if v := os.Getenv(EnvLastExit); v != "" {
		k, err := executor.ParseExitKind(v)
		if err != nil {
			return nil, err
		}
		c.LastExit, c.Crashed = k, true
	}

	path := os.Getenv(EnvState)
	if path == "" {
		return nil, fmt.Errorf("%s is not set", EnvState)
	}
	region, err := shmem.OpenStateRegion(path)
	if err != nil {
		return nil, err
	}
	c.Region = region
	if out := os.Getenv(EnvChanOut); out != "" {
		if c.Out, err = shmem.OpenChannel(out, policy); err != nil {
			region.Close()
			return nil, err
		}
		if c.In, err = shmem.OpenChannel(os.Getenv(EnvChanIn), policy); err != nil {
			c.Out.Close()
			region.Close()
			return nil, err
		}
	}
	return c, nil
}

// Restore decodes the last snapshot, or calls fresh when there is none.
// It reports whether a snapshot was used.
func (c *Child) Restore(fresh func() (*state.State, error)) (*state.State, bool, error) {
	blob, ok, err := c.Region.Load()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", state.ErrCorruptedState, err)
	}
	if !ok {
		st, err := fresh()
		return st, false, err
	}
	st, err := state.Decode(blob)
	if err != nil {
		return nil, false, err
	}
	st.Restarts = c.Restarts
	return st, true, nil
}

// Manager builds the event manager of this client: broker channels when the
// supervisor provided them, the monitor otherwise, always wrapped so every
// execution is preceded by a snapshot.
func (c *Child) Manager(ctx context.Context, mon monitor.Monitor, ec config.Events, l log.FieldLogger) *events.Restarting {
	opts := []events.Option{events.WithReportInterval(ec.ReportInterval), events.WithLogger(l)}
	var inner events.Manager
	if c.Out != nil {
		inner = events.NewClient(ctx, c.ID, c.Out, c.In, opts...)
	} else {
		inner = events.NewSimple(mon, opts...)
	}
	return events.NewRestarting(inner, c.Region, int(ec.SnapshotInterval))
}

// Recover records the input that was running when the previous incarnation
// died and commits a fresh snapshot.
func (c *Child) Recover(eng *engine.Engine, st *state.State, mgr events.Manager, l log.FieldLogger) error {
	if input, ok := c.Region.Inflight(); ok && c.Crashed {
		kind := c.LastExit
		if kind == executor.Ok {
			kind = executor.Crash
		}
		saved, err := eng.Fuzzer.AttributeCrash(st, mgr, eng.Observers, input, kind)
		if err != nil {
			return fmt.Errorf("record in-flight input: %w", err)
		}
		l.WithFields(log.Fields{"exit": kind, "len": len(input), "saved": saved}).Info("recovered input that killed the client")
		// an entry that kills the client must not be scheduled again
		for _, id := range st.Corpus.IDs() {
			tc, err := st.Corpus.Get(id)
			if err == nil && bytes.Equal(tc.Input, input) {
				if err := eng.Fuzzer.Disable(st, id); err != nil {
					return err
				}
			}
		}
		// snapshots may be older than the crash; move off the replayed stream
		st.Rand = state.NewRand(st.Rand.Uint64() ^ uint64(c.Restarts)<<32 ^ st.Executions)
	}
	return mgr.OnRestart(st)
}

func (c *Child) Close() error {
	err := c.Region.Close()
	if c.Out != nil {
		c.Out.Close()
		c.In.Close()
	}
	return err
}

// RunChild is the body of a supervised client process. It returns the exit
// status the supervisor understands.
func RunChild(ctx context.Context, cfg *config.Config, mon monitor.Monitor, opts ...engine.Option) int {
	l := log.StandardLogger().WithField("pid", os.Getpid())
	policy, err := shmem.ParseOverflow(cfg.Events.Overflow)
	if err != nil {
		l.WithError(err).Error("bad overflow policy")
		return ExitSetupFailed
	}
	child, err := FromEnv(policy)
	if err != nil {
		l.WithError(err).Error("attach to supervisor")
		return ExitSetupFailed
	}
	defer child.Close()
	l = l.WithField("client", child.ID)

	if child.Core >= 0 {
		if err := cores.PinCurrent(child.Core); err != nil {
			l.WithError(err).Warn("could not pin to core")
		} else {
			l = l.WithField("core", child.Core)
		}
	}

	opts = append(opts,
		engine.WithLogger(l),
		// the in-flight slot already names the input; the supervisor attributes it
		engine.WithTimeoutHook(func([]byte) { os.Exit(ExitTimeout) }),
	)
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		l.WithError(err).Error("build engine")
		return ExitSetupFailed
	}
	defer eng.Close()

	st, restored, err := child.Restore(func() (*state.State, error) { return engine.NewState(cfg, child.ID) })
	switch {
	case errors.Is(err, state.ErrCorruptedState):
		l.WithError(err).Error("cannot restore state")
		return ExitCorruptState
	case err != nil:
		l.WithError(err).Error("create state")
		return ExitSetupFailed
	}
	mgr := child.Manager(ctx, mon, cfg.Events, l)
	defer mgr.Close()

	if restored {
		l.WithFields(log.Fields{"corpus": st.Corpus.Count(), "execs": st.Executions, "restarts": st.Restarts}).Info("state restored")
		if err := child.Recover(eng, st, mgr, l); err != nil {
			l.WithError(err).Error("recover")
			return ExitSetupFailed
		}
	}

	err = eng.Run(ctx, st, mgr)
	if serr := mgr.OnRestart(st); serr != nil {
		l.WithError(serr).Warn("final snapshot failed")
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fuzzer.ErrShuttingDown):
		l.Info("fuzzing stopped")
		return ExitShuttingDown
	default:
		l.WithError(err).Error("fuzzing failed")
		return ExitFailed
	}
}
