package timer

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Event is a scheduled callback.
type Event struct {
	svc    *Service
	fn     func()
	due    time.Time
	grace  time.Duration
	period time.Duration
	index  int
	done   bool
}

func (e *Event) latest() time.Time {
	return e.due.Add(e.grace)
}

// Cancel prevents any future firing and reports whether the event was still
// pending.
func (e *Event) Cancel() bool {
	s := e.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	if e.index >= 0 {
		heap.Remove(&s.events, e.index)
	}
	return true
}

// Due returns the earliest time the event may fire.
func (e *Event) Due() time.Time {
	e.svc.mu.Lock()
	defer e.svc.mu.Unlock()
	return e.due
}

// Service runs scheduled events.
type Service struct {
	clock clock.Clock

	mu     sync.Mutex
	events eventHeap
	closed bool

	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New starts a service with its own loop goroutine. A nil clock selects the
// wall clock.
func New(clk clock.Clock) *Service {
	s := newService(clk)
	go s.run()
	return s
}

// NewManual returns a service that only fires events from Poll.
func NewManual(clk clock.Clock) *Service {
	s := newService(clk)
	close(s.stopped)
	return s
}

func newService(clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		clock:   clk,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Clock returns the clock the service schedules against.
func (s *Service) Clock() clock.Clock {
	return s.clock
}

// DoAfter runs fn once, no earlier than after and no later than after+grace
// from now.
func (s *Service) DoAfter(fn func(), after, grace time.Duration) *Event {
	return s.schedule(fn, after, grace, 0)
}

// Every runs fn each period, with the same grace applied to every firing.
func (s *Service) Every(fn func(), period, grace time.Duration) *Event {
	if period <= 0 {
		panic("timer: non-positive period")
	}
	return s.schedule(fn, period, grace, period)
}

func (s *Service) schedule(fn func(), after, grace, period time.Duration) *Event {
	if after < 0 {
		after = 0
	}
	if grace < 0 {
		grace = 0
	}
	e := &Event{
		svc:    s,
		fn:     fn,
		due:    s.clock.Now().Add(after),
		grace:  grace,
		period: period,
		index:  -1,
	}

	s.mu.Lock()
	if s.closed {
		e.done = true
		s.mu.Unlock()
		return e
	}
	heap.Push(&s.events, e)
	s.mu.Unlock()

	s.signal()
	return e
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of scheduled events.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Poll fires every event that is due and returns how many ran. Callbacks run
// on the calling goroutine, in due order, outside the service lock.
func (s *Service) Poll() int {
	now := s.clock.Now()

	s.mu.Lock()
	var fire []*Event
	for _, e := range s.events {
		if !e.due.After(now) {
			fire = append(fire, e)
		}
	}
	fns := make([]func(), 0, len(fire))
	sort.Slice(fire, func(i, j int) bool { return fire[i].due.Before(fire[j].due) })
	for _, e := range fire {
		heap.Remove(&s.events, e.index)
		fns = append(fns, e.fn)
		if e.period > 0 {
			e.due = e.due.Add(e.period)
			if !e.due.After(now) {
				e.due = now.Add(e.period)
			}
			heap.Push(&s.events, e)
		} else {
			e.done = true
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		s.invoke(fn)
	}
	return len(fns)
}

func (s *Service) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "(Service) invoke",
				"panic": r,
			}).Error("timer callback panicked")
		}
	}()
	fn()
}

// next returns how long the loop may sleep before some event's grace window
// closes.
func (s *Service) next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0, false
	}
	d := s.events[0].latest().Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Service) run() {
	defer close(s.stopped)
	for {
		var (
			t     *clock.Timer
			fired <-chan time.Time
		)
		if d, ok := s.next(); ok {
			t = s.clock.Timer(d)
			fired = t.C
		}

		select {
		case <-s.done:
			if t != nil {
				t.Stop()
			}
			return
		case <-s.wake:
		case <-fired:
			s.Poll()
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Close stops the loop and drops every pending event.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, e := range s.events {
			e.done = true
			e.index = -1
		}
		s.events = nil
		s.mu.Unlock()
		close(s.done)
		<-s.stopped
		log.Debug("timer service stopped")
	})
}

// eventHeap orders events by the end of their grace window.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	return h[i].latest().Before(h[j].latest())
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
