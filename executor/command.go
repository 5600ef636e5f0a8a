package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/observer"
)

// Environment handed to command targets so they can find the coverage map.
const (
	EnvMapPath = "COVFUZZ_MAP_PATH"
	EnvMapSize = "COVFUZZ_MAP_SIZE"
)

// InputPlaceholder in the argument list is replaced by the path of a file
// holding the input. Without it the input is written to stdin.
const InputPlaceholder = "@@"

// Command runs an external program once per input. The program writes its
// coverage into a shared map file whose path it reads from EnvMapPath.
type Command struct {
	path      string
	args      []string
	env       []string
	observers *observer.Set
	mapPath   string
	mapSize   int
	timeout   time.Duration
	oomCode   int
	inputFile string
	now       func() time.Time
	log       log.FieldLogger
}

type CommandOption func(*Command)

// WithCommandTimeout kills runs that take longer than d.
func WithCommandTimeout(d time.Duration) CommandOption {
	return func(c *Command) { c.timeout = d }
}

// WithCoverageFile tells the target where the shared coverage map lives.
func WithCoverageFile(path string, size int) CommandOption {
	return func(c *Command) { c.mapPath, c.mapSize = path, size }
}

// WithOomExitCode treats the given exit status as an out-of-memory report.
func WithOomExitCode(code int) CommandOption {
	return func(c *Command) { c.oomCode = code }
}

func WithEnv(env ...string) CommandOption {
	return func(c *Command) { c.env = append(c.env, env...) }
}

func WithCommandLogger(l log.FieldLogger) CommandOption {
	return func(c *Command) { c.log = l }
}

// NewCommand prepares an executor for argv. Argument "@@" receives the input
// file path.
func NewCommand(argv []string, obs *observer.Set, opts ...CommandOption) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("find target: %w", err)
	}
	c := &Command{
		path:      path,
		args:      argv[1:],
		observers: obs,
		now:       time.Now,
		log:       log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, a := range c.args {
		if a == InputPlaceholder {
			dir, err := os.MkdirTemp("", "covfuzz-input")
			if err != nil {
				return nil, fmt.Errorf("create input dir: %w", err)
			}
			c.inputFile = filepath.Join(dir, "cur_input")
			break
		}
	}
	return c, nil
}

func (c *Command) Observers() *observer.Set { return c.observers }

func (c *Command) Run(ctx context.Context, input []byte) (ExitKind, error) {
	if err := c.observers.PreExecAll(); err != nil {
		return Ok, err
	}
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := c.args
	if c.inputFile != "" {
		if err := os.WriteFile(c.inputFile, input, 0o600); err != nil {
			return Ok, fmt.Errorf("write input file: %w", err)
		}
		args = make([]string, len(c.args))
		for i, a := range c.args {
			if a == InputPlaceholder {
				a = c.inputFile
			}
			args[i] = a
		}
	}
	cmd := exec.CommandContext(runCtx, c.path, args...)
	cmd.Env = append(os.Environ(), c.env...)
	if c.mapPath != "" {
		cmd.Env = append(cmd.Env, EnvMapPath+"="+c.mapPath, EnvMapSize+"="+strconv.Itoa(c.mapSize))
	}
	if c.inputFile == "" {
		cmd.Stdin = bytes.NewReader(input)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := c.now()
	runErr := cmd.Run()
	elapsed := c.now().Sub(start)

	var exit ExitKind
	switch {
	case runErr == nil:
		exit = Ok
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		exit = Timeout
	case ctx.Err() != nil:
		return Ok, ctx.Err()
	default:
		var ee *exec.ExitError
		if !errors.As(runErr, &ee) {
			return Ok, fmt.Errorf("run target: %w", runErr)
		}
		exit = ClassifyProcessExit(ee.ProcessState, c.oomCode)
	}
	if exit != Ok {
		c.log.WithFields(log.Fields{"exit": exit, "stderr": lastLine(stderr.Bytes())}).Debug("target failed")
	}
	if err := c.observers.PostExecAll(observer.Run{Elapsed: elapsed, Failed: exit != Ok}); err != nil {
		return exit, err
	}
	return exit, nil
}

// Close removes the input file directory.
func (c *Command) Close() error {
	if c.inputFile == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(c.inputFile))
}

func lastLine(b []byte) string {
	b = bytes.TrimRight(b, "\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}
