// Package executor runs a target on one input and reports how it exited.
package executor

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"alma.local/covfuzz/observer"
)

// ExitKind classifies how one execution of the target ended.
type ExitKind uint8

const (
	Ok ExitKind = iota
	Crash
	Oom
	Timeout
)

func (k ExitKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Crash:
		return "crash"
	case Oom:
		return "oom"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("exit(%d)", uint8(k))
}

// ParseExitKind is the inverse of String.
func ParseExitKind(s string) (ExitKind, error) {
	for _, k := range []ExitKind{Ok, Crash, Oom, Timeout} {
		if k.String() == s {
			return k, nil
		}
	}
	return Ok, fmt.Errorf("unknown exit kind %q", s)
}

// Executor runs the target once per call. The observers hold the readings of
// the latest run until the next one starts.
type Executor interface {
	Run(ctx context.Context, input []byte) (ExitKind, error)
	Observers() *observer.Set
}

// ClassifyProcessExit maps a finished process to an exit kind.
// A SIGKILL that was not ours is treated as the OOM killer.
func ClassifyProcessExit(ps *os.ProcessState, oomCode int) ExitKind {
	if ps == nil {
		return Crash
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		if ps.Success() {
			return Ok
		}
		return Crash
	}
	switch {
	case ws.Signaled():
		if ws.Signal() == unix.SIGKILL {
			return Oom
		}
		return Crash
	case ws.Exited():
		if oomCode != 0 && ws.ExitStatus() == oomCode {
			return Oom
		}
		if ws.ExitStatus() == 0 {
			return Ok
		}
	}
	return Crash
}
