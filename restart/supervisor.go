package restart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/shmem"
)

// ErrCorruptState is returned when the client reported an undecodable snapshot.
var ErrCorruptState = errors.New("client state is corrupt")

// ErrClientFailed is returned when the client stopped on a fatal error.
var ErrClientFailed = errors.New("client failed")

// ErrTooManyRestarts is returned when the restart budget is used up.
var ErrTooManyRestarts = errors.New("client restarted too often")

// Supervisor runs one client process and respawns it when it dies.
type Supervisor struct {
	argv        []string
	region      *shmem.StateRegion
	id          uint32
	core        int
	chanOut     string
	chanIn      string
	env         []string
	delay       time.Duration
	grace       time.Duration
	maxRestarts int
	oomCode     int
	stdout      io.Writer
	stderr      io.Writer
	restarts    int
	log         log.FieldLogger
}

type SupervisorOption func(*Supervisor)

// WithClient sets the client id and the core it should pin itself to.
// A negative core disables pinning.
func WithClient(id uint32, core int) SupervisorOption {
	return func(s *Supervisor) { s.id, s.core = id, core }
}

// WithChannels passes the broker channel paths to the client.
func WithChannels(out, in string) SupervisorOption {
	return func(s *Supervisor) { s.chanOut, s.chanIn = out, in }
}

func WithRespawnDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.delay = d }
}

// WithGracePeriod bounds how long a client may take to stop after an interrupt.
func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.grace = d }
}

// WithMaxRestarts caps respawns; zero means no limit.
func WithMaxRestarts(n int) SupervisorOption {
	return func(s *Supervisor) { s.maxRestarts = n }
}

func WithOomExitCode(code int) SupervisorOption {
	return func(s *Supervisor) { s.oomCode = code }
}

// WithExtraEnv adds KEY=VALUE pairs to the client's environment.
func WithExtraEnv(env ...string) SupervisorOption {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

func WithOutput(stdout, stderr io.Writer) SupervisorOption {
	return func(s *Supervisor) { s.stdout, s.stderr = stdout, stderr }
}

func WithSupervisorLogger(l log.FieldLogger) SupervisorOption {
	return func(s *Supervisor) { s.log = l }
}

// NewSupervisor prepares to run argv as a client backed by region.
func NewSupervisor(argv []string, region *shmem.StateRegion, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		argv:   argv,
		region: region,
		core:   -1,
		delay:  100 * time.Millisecond,
		grace:  5 * time.Second,
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("client", s.id)
	return s
}

// Restarts is how often the client was respawned.
func (s *Supervisor) Restarts() int { return s.restarts }

func (s *Supervisor) environ(last executor.ExitKind, crashed bool) []string {
	env := append(os.Environ(), s.env...)
	env = append(env,
		EnvRole+"="+RoleClient,
		EnvState+"="+s.region.Path(),
		EnvClient+"="+strconv.FormatUint(uint64(s.id), 10),
		EnvCore+"="+strconv.Itoa(s.core),
		EnvRestarts+"="+strconv.Itoa(s.restarts),
	)
	if s.chanOut != "" {
		env = append(env, EnvChanOut+"="+s.chanOut, EnvChanIn+"="+s.chanIn)
	}
	if crashed {
		env = append(env, EnvLastExit+"="+last.String())
	}
	return env
}

// Run keeps the client alive until it finishes, stops cooperatively or
// fails in a way a respawn cannot fix. Cancelling ctx interrupts the client
// and waits for it to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		last    executor.ExitKind
		crashed bool
	)
	for {
		cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
		cmd.Env = s.environ(last, crashed)
		cmd.Stdout, cmd.Stderr = s.stdout, s.stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = s.grace

		start := time.Now()
		err := cmd.Run()
		if cmd.ProcessState == nil {
			return fmt.Errorf("start client: %w", err)
		}
		code := cmd.ProcessState.ExitCode()
		entry := s.log.WithFields(log.Fields{"code": code, "uptime": time.Since(start).Round(time.Millisecond)})

		switch {
		case code == 0:
			entry.Info("client finished")
			return nil
		case code == ExitShuttingDown:
			entry.Info("client stopped")
			return nil
		case ctx.Err() != nil:
			entry.Info("client interrupted")
			return nil
		case code == ExitCorruptState:
			return ErrCorruptState
		case code == ExitSetupFailed:
			return fmt.Errorf("client %d failed to start", s.id)
		case code == ExitFailed:
			return fmt.Errorf("%w: client %d", ErrClientFailed, s.id)
		case code == ExitTimeout:
			last = executor.Timeout
		default:
			last = executor.ClassifyProcessExit(cmd.ProcessState, s.oomCode)
			if last == executor.Ok {
				last = executor.Crash
			}
		}
		crashed = true

		if s.maxRestarts > 0 && s.restarts >= s.maxRestarts {
			return fmt.Errorf("%w: %d", ErrTooManyRestarts, s.restarts)
		}
		s.restarts++
		entry.WithFields(log.Fields{"exit": last, "restarts": s.restarts}).Warn("client died, respawning")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.delay):
		}
	}
}
