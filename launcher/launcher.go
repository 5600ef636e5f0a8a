// Package launcher runs one supervised client per core and the broker that
// connects them.
package launcher

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"alma.local/covfuzz/broker"
	"alma.local/covfuzz/config"
	"alma.local/covfuzz/internal/cores"
	"alma.local/covfuzz/monitor"
	"alma.local/covfuzz/restart"
	"alma.local/covfuzz/shmem"
)

// Launcher owns the shared memory of a campaign.
type Launcher struct {
	cfg  *config.Config
	argv []string
	mon  monitor.Monitor
	log  log.FieldLogger

	broker   *broker.Broker
	clients  []*restart.Supervisor
	cleanups []func() error
}

type Option func(*Launcher)

func WithLogger(l log.FieldLogger) Option {
	return func(la *Launcher) { la.log = l }
}

// New prepares a launcher that starts argv once per configured core. The
// clients find their role in the environment.
func New(cfg *config.Config, argv []string, mon monitor.Monitor, opts ...Option) *Launcher {
	la := &Launcher{cfg: cfg, argv: argv, mon: mon, log: log.StandardLogger()}
	for _, opt := range opts {
		opt(la)
	}
	return la
}

// Broker is available after Setup.
func (la *Launcher) Broker() *broker.Broker { return la.broker }

// Setup creates the channels and state regions of every client.
func (la *Launcher) Setup() error {
	ids, err := cores.Parse(la.cfg.Cores)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no cores selected by %q", la.cfg.Cores)
	}
	ev := la.cfg.Events
	policy, err := shmem.ParseOverflow(ev.Overflow)
	if err != nil {
		return err
	}
	la.broker = broker.New(la.mon, broker.WithPollInterval(ev.BrokerPoll), broker.WithLogger(la.log))

	for i, core := range ids {
		id := uint32(i)
		out, err := shmem.CreateChannel(shmem.NewName(fmt.Sprintf("covfuzz-%d-out", id)), ev.ChannelSize, policy)
		if err != nil {
			return err
		}
		la.cleanups = append(la.cleanups, out.Remove)
		in, err := shmem.CreateChannel(shmem.NewName(fmt.Sprintf("covfuzz-%d-in", id)), ev.ChannelSize, policy)
		if err != nil {
			return err
		}
		la.cleanups = append(la.cleanups, in.Remove)
		region, err := shmem.CreateStateRegion(shmem.NewName(fmt.Sprintf("covfuzz-%d-state", id)), ev.StateRegionSize, la.cfg.Engine.MaxInputSize)
		if err != nil {
			return err
		}
		la.cleanups = append(la.cleanups, region.Remove)

		if err := la.broker.Attach(id, out, in); err != nil {
			return err
		}
		la.clients = append(la.clients, restart.NewSupervisor(la.argv, region,
			restart.WithClient(id, core),
			restart.WithChannels(out.Path(), in.Path()),
			restart.WithRespawnDelay(ev.RespawnDelay),
			restart.WithOomExitCode(la.cfg.Engine.OomExitCode),
			restart.WithSupervisorLogger(la.log),
		))
	}
	la.log.WithFields(log.Fields{"clients": len(ids), "cores": ids}).Info("campaign prepared")
	return nil
}

// Run starts the broker and every client and waits for them. The campaign
// ends when the first client reaches its stop condition, when ctx is
// cancelled, or when a client fails for good.
func (la *Launcher) Run(ctx context.Context) error {
	if la.broker == nil {
		if err := la.Setup(); err != nil {
			la.Close()
			return err
		}
	}
	defer la.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(stop) }) }

	var clients sync.WaitGroup
	for _, sup := range la.clients {
		sup := sup
		clients.Add(1)
		g.Go(func() error {
			defer clients.Done()
			err := sup.Run(gctx)
			if err == nil {
				finish()
			}
			return err
		})
	}
	g.Go(func() error { return la.broker.Run(gctx, stop) })
	go func() {
		clients.Wait()
		finish()
	}()
	return g.Wait()
}

// Close removes every shared-memory file of the campaign.
func (la *Launcher) Close() error {
	var first error
	for i := len(la.cleanups) - 1; i >= 0; i-- {
		if err := la.cleanups[i](); err != nil && first == nil {
			first = err
		}
	}
	la.cleanups = nil
	return first
}
