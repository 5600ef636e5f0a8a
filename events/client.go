package events

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/shmem"
	"alma.local/covfuzz/state"
)

// Client talks to the broker over a pair of shared-memory channels: out
// carries this client's events, in carries what the broker forwards.
type Client struct {
	id  uint32
	out *shmem.Channel
	in  *shmem.Channel
	ctx context.Context
	rep reporter
	log log.FieldLogger
}

// NewClient wraps the two channels. ctx bounds blocking sends.
func NewClient(ctx context.Context, id uint32, out, in *shmem.Channel, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		id:  id,
		out: out,
		in:  in,
		ctx: ctx,
		rep: newReporter(o.interval),
		log: o.log.WithField("client", id),
	}
}

func (c *Client) ID() uint32 { return c.id }

func (c *Client) Fire(_ *state.State, ev *Event) error {
	ev.Client = c.id
	err := c.out.Send(c.ctx, ev.Marshal())
	switch {
	case errors.Is(err, shmem.ErrChannelFull):
		c.log.WithField("event", ev.Kind).Debug("broker channel full, event dropped")
		return nil
	case err != nil:
		return fmt.Errorf("send %s event: %w", ev.Kind, err)
	}
	return nil
}

func (c *Client) Process(ctx context.Context, eval Evaluator, st *state.State, ex executor.Executor) (int, error) {
	return c.importAs(ctx, c, eval, st, ex)
}

func (c *Client) importAs(ctx context.Context, outer Manager, eval Evaluator, st *state.State, ex executor.Executor) (int, error) {
	imported := 0
	stats := importStats(st)
	for {
		if err := ctx.Err(); err != nil {
			return imported, ErrShuttingDown
		}
		msg, ok, err := c.in.TryRecv()
		if err != nil {
			return imported, fmt.Errorf("receive from broker: %w", err)
		}
		if !ok {
			return imported, nil
		}
		ev, err := Unmarshal(msg)
		if err != nil {
			c.log.WithError(err).Warn("dropping undecodable event")
			continue
		}
		switch ev.Kind {
		case KindStop:
			return imported, ErrShuttingDown
		case KindObjective:
			if ev.Client != c.id {
				stats.PeerObjectives++
			}
		case KindNewTestcase:
			if ev.Client == c.id {
				continue
			}
			if st.Corpus.Contains(ev.Input) {
				stats.Duplicates++
				continue
			}
			added, err := eval.EvaluateImported(ctx, st, ex, outer, ev)
			if err != nil {
				return imported, err
			}
			if added {
				stats.Imported++
				imported++
			} else {
				stats.Rejected++
			}
		}
	}
}

func (c *Client) BeforeExecute(*state.State, []byte) error { return nil }

func (c *Client) AfterExecute(*state.State) error { return nil }

func (c *Client) MaybeReport(st *state.State) error {
	if !c.rep.due() {
		return nil
	}
	return c.Fire(st, statsEvent(st))
}

func (c *Client) OnRestart(*state.State) error { return nil }

func (c *Client) Close() error {
	err := c.out.Close()
	if ierr := c.in.Close(); err == nil {
		err = ierr
	}
	return err
}
