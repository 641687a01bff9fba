// Package loopback connects two endpoints in memory. Delivery is
// synchronous and can be made lossy with a seeded drop probability, which
// makes retransmission behaviour reproducible.
package loopback

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

var ErrClosed = errors.New("loopback link closed")

// Endpoint is one side of a link. Deliver receives every datagram that
// survives the link together with the sender that reaches back to its
// origin.
type Endpoint struct {
	Address string
	Deliver func(data []byte, from *Sender)
}

type Options struct {
	// Loss is the probability in [0, 1] that a datagram is dropped.
	Loss float64
	Seed uint64
}

// Link is a bidirectional pair of senders.
type Link struct {
	mu   sync.Mutex
	rng  *rand.Rand
	loss float64

	closed  atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64

	toA, toB *Sender
}

// NewLink wires a and b together.
func NewLink(a, b Endpoint, opts Options) *Link {
	l := &Link{
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		loss: clampLoss(opts.Loss),
	}
	l.toA = &Sender{link: l, dst: a}
	l.toB = &Sender{link: l, dst: b}
	l.toA.back = l.toB
	l.toB.back = l.toA
	return l
}

// ToA returns the sender used by b to reach a.
func (l *Link) ToA() *Sender { return l.toA }

// ToB returns the sender used by a to reach b.
func (l *Link) ToB() *Sender { return l.toB }

func (l *Link) SetLoss(p float64) {
	l.mu.Lock()
	l.loss = clampLoss(p)
	l.mu.Unlock()
}

// Sent counts datagrams handed to a Deliver callback.
func (l *Link) Sent() uint64    { return l.sent.Load() }
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// Close makes every later Send fail with ErrClosed.
func (l *Link) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		log.WithFields(logger.Fields{
			"at":      "(Link) Close",
			"a":       l.toA.dst.Address,
			"b":       l.toB.dst.Address,
			"sent":    l.Sent(),
			"dropped": l.Dropped(),
		}).Debug("loopback link closed")
	}
	return nil
}

func (l *Link) lose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loss > 0 && l.rng.Float64() < l.loss
}

func clampLoss(p float64) float64 {
	return min(max(p, 0), 1)
}

// Sender delivers to one endpoint of a link.
type Sender struct {
	link *Link
	dst  Endpoint
	back *Sender
}

// Address is the address of the destination endpoint.
func (s *Sender) Address() string { return s.dst.Address }

// Back returns the sender in the opposite direction.
func (s *Sender) Back() *Sender { return s.back }

func (s *Sender) Link() *Link { return s.link }

// Send copies data and hands it to the destination before returning. A
// dropped datagram is not an error.
func (s *Sender) Send(data []byte) error {
	if s.link.closed.Load() {
		return ErrClosed
	}
	if s.link.lose() {
		s.link.dropped.Add(1)
		return nil
	}
	s.link.sent.Add(1)
	if s.dst.Deliver != nil {
		s.dst.Deliver(append([]byte(nil), data...), s.back)
	}
	return nil
}

func (s *Sender) String() string {
	return fmt.Sprintf("loopback:%s->%s", s.back.dst.Address, s.dst.Address)
}
