package shmem

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrChannelFull is returned when a message does not fit and the policy is Drop.
	ErrChannelFull = errors.New("channel full")
	// ErrMessageTooLarge is returned for messages that can never fit.
	ErrMessageTooLarge = errors.New("message larger than channel")
	// ErrCorruptChannel means the ring contents are inconsistent.
	ErrCorruptChannel = errors.New("corrupt channel")
)

// Overflow decides what a sender does when the ring is full.
type Overflow int

const (
	// Drop counts the message as dropped and returns ErrChannelFull.
	Drop Overflow = iota
	// Block waits until the reader makes room or the context ends.
	Block
)

// ParseOverflow accepts "drop" or "block".
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "drop", "":
		return Drop, nil
	case "block":
		return Block, nil
	}
	return Drop, errors.Errorf("unknown overflow policy %q", s)
}

const (
	chanMagic = 0x31636873667663 // "cvfshc1"

	offMagic    = 0
	offCap      = 8
	offWrite    = 16
	offRead     = 24
	offNewData  = 32
	offDropped  = 40
	chanHdrSize = 64

	frameHdr = 4
)

// DefaultPollInterval is how long a blocked sender or receiver sleeps between checks.
const DefaultPollInterval = 200 * time.Microsecond

// Channel is a single-producer single-consumer ring of length-prefixed
// messages living in a shared region. The write and read cursors only grow;
// their difference is the number of unread bytes.
type Channel struct {
	region *Region
	policy Overflow
	poll   time.Duration
	cap    uint64
}

// CreateChannel allocates a region with room for capacity bytes of messages.
func CreateChannel(name string, capacity int, policy Overflow) (*Channel, error) {
	r, err := Create(name, chanHdrSize+capacity)
	if err != nil {
		return nil, err
	}
	b := r.Bytes()
	store(b, offCap, uint64(capacity))
	store(b, offMagic, chanMagic)
	return &Channel{region: r, policy: policy, poll: DefaultPollInterval, cap: uint64(capacity)}, nil
}

// OpenChannel attaches to a channel created by another process.
func OpenChannel(path string, policy Overflow) (*Channel, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	b := r.Bytes()
	if len(b) < chanHdrSize || load(b, offMagic) != chanMagic {
		r.Close()
		return nil, errors.Wrapf(ErrCorruptChannel, "%s: bad header", path)
	}
	capacity := load(b, offCap)
	if capacity != uint64(len(b)-chanHdrSize) {
		r.Close()
		return nil, errors.Wrapf(ErrCorruptChannel, "%s: capacity %d does not match size %d", path, capacity, len(b))
	}
	return &Channel{region: r, policy: policy, poll: DefaultPollInterval, cap: capacity}, nil
}

func (c *Channel) Path() string { return c.region.Path() }

// SetPollInterval changes how often blocked calls re-check the ring.
func (c *Channel) SetPollInterval(d time.Duration) { c.poll = d }

func (c *Channel) hdr() []byte { return c.region.Bytes() }

func (c *Channel) ring() []byte { return c.region.Bytes()[chanHdrSize:] }

func (c *Channel) put(pos uint64, p []byte) {
	ring := c.ring()
	n := copy(ring[pos%c.cap:], p)
	copy(ring, p[n:])
}

func (c *Channel) get(pos uint64, p []byte) {
	ring := c.ring()
	n := copy(p, ring[pos%c.cap:])
	copy(p[n:], ring)
}

// Send appends msg, applying the channel's overflow policy.
func (c *Channel) Send(ctx context.Context, msg []byte) error {
	return c.send(ctx, msg, c.policy)
}

// TrySend never blocks, whatever the policy.
func (c *Channel) TrySend(msg []byte) error {
	return c.send(context.Background(), msg, Drop)
}

func (c *Channel) send(ctx context.Context, msg []byte, policy Overflow) error {
	need := uint64(frameHdr + len(msg))
	if need > c.cap {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes into %d", len(msg), c.cap)
	}
	b := c.hdr()
	for {
		w, r := load(b, offWrite), load(b, offRead)
		if w < r || w-r > c.cap {
			return errors.Wrapf(ErrCorruptChannel, "write %d read %d", w, r)
		}
		if c.cap-(w-r) >= need {
			var frame [frameHdr]byte
			binary.LittleEndian.PutUint32(frame[:], uint32(len(msg)))
			c.put(w, frame[:])
			c.put(w+frameHdr, msg)
			store(b, offWrite, w+need)
			store(b, offNewData, 1)
			return nil
		}
		if policy == Drop {
			add(b, offDropped, 1)
			return ErrChannelFull
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// TryRecv returns the oldest unread message, or ok=false if there is none.
func (c *Channel) TryRecv() (msg []byte, ok bool, err error) {
	b := c.hdr()
	r, w := load(b, offRead), load(b, offWrite)
	if r == w {
		store(b, offNewData, 0)
		return nil, false, nil
	}
	if w < r || w-r < frameHdr || w-r > c.cap {
		return nil, false, errors.Wrapf(ErrCorruptChannel, "write %d read %d", w, r)
	}
	var frame [frameHdr]byte
	c.get(r, frame[:])
	n := uint64(binary.LittleEndian.Uint32(frame[:]))
	if frameHdr+n > w-r {
		return nil, false, errors.Wrapf(ErrCorruptChannel, "frame of %d bytes with %d unread", n, w-r)
	}
	msg = make([]byte, n)
	c.get(r+frameHdr, msg)
	store(b, offRead, r+frameHdr+n)
	return msg, true, nil
}

// Recv waits for a message or the end of ctx.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	for {
		msg, ok, err := c.TryRecv()
		if err != nil || ok {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// HasNew reports whether anything was written since the reader last found
// the ring empty.
func (c *Channel) HasNew() bool { return load(c.hdr(), offNewData) != 0 }

// Dropped is the number of messages discarded under the Drop policy.
func (c *Channel) Dropped() uint64 { return load(c.hdr(), offDropped) }

// Pending is the number of unread bytes, frame headers included.
func (c *Channel) Pending() uint64 {
	b := c.hdr()
	return load(b, offWrite) - load(b, offRead)
}

func (c *Channel) Close() error { return c.region.Close() }

// Remove closes the channel and deletes its backing file if this process created it.
func (c *Channel) Remove() error { return c.region.Remove() }
