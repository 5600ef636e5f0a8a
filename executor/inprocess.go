package executor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/observer"
)

// Harness is an in-process target. A panic counts as a crash.
type Harness func(input []byte) ExitKind

// InProcess calls a harness in the fuzzer's own address space and records
// coverage through the process-wide observer hook.
type InProcess struct {
	harness   Harness
	observers *observer.Set
	timeout   time.Duration
	now       func() time.Time
	onTimeout func(input []byte)
	log       log.FieldLogger

	// harness goroutines left behind by the watchdog
	stale []abandoned
}

type abandoned struct {
	done   <-chan ExitKind
	waited bool
}

type InProcessOption func(*InProcess)

// WithTimeout arms a watchdog for every run. Zero runs the harness inline.
//
// A hung harness goroutine cannot be stopped. Before the next run the
// executor waits up to one more timeout for it to return; if it is still
// running after that, any Hit it makes lands in whichever map is installed
// and a warning is logged. Restarting clients avoid this through
// WithTimeoutHook.
func WithTimeout(d time.Duration) InProcessOption {
	return func(e *InProcess) { e.timeout = d }
}

// WithClock replaces time.Now when measuring runs.
func WithClock(now func() time.Time) InProcessOption {
	return func(e *InProcess) { e.now = now }
}

// WithTimeoutHook is called with the hung input when the watchdog fires.
// A restarting client uses it to leave the process; the harness goroutine
// cannot be stopped otherwise.
func WithTimeoutHook(fn func(input []byte)) InProcessOption {
	return func(e *InProcess) { e.onTimeout = fn }
}

func WithLogger(l log.FieldLogger) InProcessOption {
	return func(e *InProcess) { e.log = l }
}

func NewInProcess(h Harness, obs *observer.Set, opts ...InProcessOption) *InProcess {
	e := &InProcess{
		harness:   h,
		observers: obs,
		now:       time.Now,
		log:       log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *InProcess) Observers() *observer.Set { return e.observers }

func (e *InProcess) Run(ctx context.Context, input []byte) (ExitKind, error) {
	if err := ctx.Err(); err != nil {
		return Ok, err
	}
	e.reap()
	if err := e.observers.PreExecAll(); err != nil {
		return Ok, err
	}
	observer.Install(e.observers.FirstMap())

	start := e.now()
	var exit ExitKind
	if e.timeout <= 0 {
		exit = e.call(input)
	} else {
		done := make(chan ExitKind, 1)
		go func() { done <- e.call(input) }()
		timer := time.NewTimer(e.timeout)
		select {
		case exit = <-done:
			timer.Stop()
		case <-timer.C:
			exit = Timeout
			// The harness keeps running; detach it from the map.
			observer.Install(nil)
			e.stale = append(e.stale, abandoned{done: done})
			if e.onTimeout != nil {
				e.onTimeout(input)
			} else {
				e.log.WithField("len", len(input)).Warn("harness timed out, abandoning its goroutine")
			}
		}
	}
	elapsed := e.now().Sub(start)

	if err := e.observers.PostExecAll(observer.Run{Elapsed: elapsed, Failed: exit != Ok}); err != nil {
		return exit, err
	}
	return exit, nil
}

// Abandoned reports how many timed-out harness goroutines are still running.
func (e *InProcess) Abandoned() int {
	n := 0
	for _, a := range e.stale {
		select {
		case <-a.done:
		default:
			n++
		}
	}
	return n
}

// reap drops abandoned harnesses that have returned, giving each one a
// single grace period of one timeout to do so.
func (e *InProcess) reap() {
	if len(e.stale) == 0 {
		return
	}
	kept := e.stale[:0]
	for _, a := range e.stale {
		if !a.waited {
			a.waited = true
			timer := time.NewTimer(e.timeout)
			select {
			case <-a.done:
				timer.Stop()
				continue
			case <-timer.C:
				e.log.Warn("timed-out harness is still running, its coverage may leak into later runs")
			}
		} else {
			select {
			case <-a.done:
				continue
			default:
			}
		}
		kept = append(kept, a)
	}
	e.stale = kept
}

// call runs the harness and turns panics into crashes.
func (e *InProcess) call(input []byte) (exit ExitKind) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", fmt.Sprint(r)).Debug("harness panicked")
			exit = Crash
		}
	}()
	return e.harness(input)
}
