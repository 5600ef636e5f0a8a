package events

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/shmem"
	"alma.local/covfuzz/state"
)

// Restarting wraps another manager and keeps the client resumable: before
// each execution it records the input in flight and, every interval
// executions, commits a state snapshot to the shared state region.
type Restarting struct {
	inner    Manager
	region   *shmem.StateRegion
	interval uint64
	pending  uint64
	log      log.FieldLogger
}

// NewRestarting snapshots every interval executions; zero or one means before every run.
func NewRestarting(inner Manager, region *shmem.StateRegion, interval int) *Restarting {
	return &Restarting{inner: inner, region: region, interval: uint64(max(1, interval)), log: log.StandardLogger()}
}

func (r *Restarting) Inner() Manager { return r.inner }

// Save commits a snapshot of st now.
func (r *Restarting) Save(st *state.State) error {
	blob, err := st.Encode()
	if err != nil {
		return err
	}
	if err := r.region.Save(blob); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	r.pending = 0
	return nil
}

func (r *Restarting) Fire(st *state.State, ev *Event) error { return r.inner.Fire(st, ev) }

func (r *Restarting) Process(ctx context.Context, eval Evaluator, st *state.State, ex executor.Executor) (int, error) {
	return r.importAs(ctx, r, eval, st, ex)
}

func (r *Restarting) importAs(ctx context.Context, outer Manager, eval Evaluator, st *state.State, ex executor.Executor) (int, error) {
	if in, ok := r.inner.(importer); ok {
		return in.importAs(ctx, outer, eval, st, ex)
	}
	return r.inner.Process(ctx, eval, st, ex)
}

func (r *Restarting) BeforeExecute(st *state.State, input []byte) error {
	if err := r.inner.BeforeExecute(st, input); err != nil {
		return err
	}
	if r.pending%r.interval == 0 {
		if err := r.Save(st); err != nil {
			return err
		}
	}
	r.pending++
	if err := r.region.SetInflight(input); err != nil {
		r.log.WithError(err).Warn("input not recorded as in flight, a crash on it will not be attributed")
	}
	return nil
}

func (r *Restarting) AfterExecute(st *state.State) error {
	r.region.ClearInflight()
	return r.inner.AfterExecute(st)
}

func (r *Restarting) MaybeReport(st *state.State) error { return r.inner.MaybeReport(st) }

func (r *Restarting) OnRestart(st *state.State) error {
	r.region.ClearInflight()
	if err := r.Save(st); err != nil {
		return err
	}
	return r.inner.OnRestart(st)
}

func (r *Restarting) Close() error {
	err := r.inner.Close()
	if cerr := r.region.Close(); err == nil {
		err = cerr
	}
	return err
}
