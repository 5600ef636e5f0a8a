// Package broker relays findings between clients and aggregates their
// statistics. It never executes target code.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"alma.local/covfuzz/events"
	"alma.local/covfuzz/monitor"
	"alma.local/covfuzz/shmem"
)

// DefaultPollInterval is how long the broker sleeps when no client had news.
const DefaultPollInterval = time.Millisecond

type link struct {
	id   uint32
	from *shmem.Channel
	to   *shmem.Channel
}

// Broker polls every client's outbound channel and forwards findings to the
// inbound channel of every other client.
type Broker struct {
	mu      sync.Mutex
	links   []*link
	mon     monitor.Monitor
	stats   *monitor.Stats
	poll    time.Duration
	now     func() time.Time
	log     log.FieldLogger
	dropped uint64
}

type Option func(*Broker)

func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.poll = d
		}
	}
}

func WithLogger(l log.FieldLogger) Option {
	return func(b *Broker) { b.log = l }
}

func New(mon monitor.Monitor, opts ...Option) *Broker {
	b := &Broker{
		mon:   mon,
		stats: monitor.NewStats(time.Now()),
		poll:  DefaultPollInterval,
		now:   time.Now,
		log:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers client id. fromClient carries the client's events,
// toClient receives what other clients found.
func (b *Broker) Attach(id uint32, fromClient, toClient *shmem.Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.links {
		if l.id == id {
			return fmt.Errorf("client %d already attached", id)
		}
	}
	b.links = append(b.links, &link{id: id, from: fromClient, to: toClient})
	sort.Slice(b.links, func(i, j int) bool { return b.links[i].id < b.links[j].id })
	b.stats.Client(id)
	return nil
}

// Stats exposes the aggregated statistics.
func (b *Broker) Stats() *monitor.Stats { return b.stats }

// Dropped counts forwards lost to full client channels.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// PollOnce drains every outbound channel once and returns how many events
// were handled. Events of one client are forwarded in the order sent.
func (b *Broker) PollOnce() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handled := 0
	for _, src := range b.links {
		for {
			msg, ok, err := src.from.TryRecv()
			if err != nil {
				return handled, fmt.Errorf("client %d: %w", src.id, err)
			}
			if !ok {
				break
			}
			handled++
			ev, err := events.Unmarshal(msg)
			if err != nil {
				b.log.WithError(err).WithField("client", src.id).Warn("dropping undecodable event")
				continue
			}
			b.handle(src, ev, msg)
		}
	}
	return handled, nil
}

func (b *Broker) handle(src *link, ev *events.Event, raw []byte) {
	switch ev.Kind {
	case events.KindNewTestcase, events.KindObjective:
		for _, dst := range b.links {
			if dst == src {
				continue
			}
			if err := dst.to.TrySend(raw); err != nil {
				b.dropped++
				if !errors.Is(err, shmem.ErrChannelFull) {
					b.log.WithError(err).WithField("client", dst.id).Warn("forward failed")
				}
			}
		}
	case events.KindLog:
		b.log.WithField("client", ev.Client).Info(ev.Name)
		return
	}
	if events.ApplyStats(b.stats, ev, b.now()) && b.mon != nil {
		b.mon.Display(ev.Kind.String(), ev.Client, b.stats)
	}
}

// Broadcast sends ev to every client.
func (b *Broker) Broadcast(ev *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := ev.Marshal()
	for _, dst := range b.links {
		if err := dst.to.TrySend(raw); err != nil {
			b.log.WithError(err).WithField("client", dst.id).Warn("broadcast failed")
		}
	}
}

// Run polls until ctx is done or stop is closed, drains what is left and
// tells every client to stop.
func (b *Broker) Run(ctx context.Context, stop <-chan struct{}) error {
	b.log.WithField("clients", len(b.links)).Info("broker running")
	defer b.Broadcast(events.Stop())
	timer := time.NewTimer(b.poll)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return b.drain()
		}
		n, err := b.PollOnce()
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		timer.Reset(b.poll)
		select {
		case <-ctx.Done():
			return b.drain()
		case <-stop:
			return b.drain()
		case <-timer.C:
		}
	}
}

func (b *Broker) drain() error {
	_, err := b.PollOnce()
	return err
}
