package association

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/idtable"
	"github.com/go-i2p/go-secchan/lib/util/timer"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Sender is the insecure transport an association sends over, and what an
// association itself looks like to upper layers.
type Sender interface {
	Send(data []byte) error
	Address() string
}

// Verifier accepts or rejects the peer certificate for the address the
// association believes it is talking to. *trust.Store implements it.
type Verifier interface {
	VerifyIdentity(cert *x509.Certificate, identity string) error
}

// Delivery is one decrypted message handed to subscribers.
type Delivery struct {
	Payload     []byte
	Association *Association
	// ReturnPath and State are passed through from HandleData.
	ReturnPath Sender
	State      any
}

type (
	Handler      func(d Delivery)
	StateHandler func(a *Association, state State)
)

type Params struct {
	Sender   Sender
	Engine   engine.Engine
	IDs      *idtable.Pair
	Client   bool
	Verifier Verifier
	Timers   *timer.Service
	Config   Config
}

// Association is one secured channel multiplexed over a Sender.
type Association struct {
	sender   Sender
	ids      *idtable.Pair
	client   bool
	verifier Verifier
	timers   *timer.Service
	cfg      Config

	// mu serializes every engine call and guards the fields below it.
	mu          sync.Mutex
	eng         engine.Engine
	pending     [][]byte
	verifiedGen uint64
	// transmitted is set once any datagram left; only then can the peer
	// know our identifiers.
	transmitted bool
	timerEvent  *timer.Event
	timerDue    time.Time
	timerGen    uint64

	state     atomic.Int32
	closed    atomic.Bool
	sending   atomic.Bool
	receiving atomic.Bool

	reasonMu sync.Mutex
	reason   CloseReason
	closeErr error

	obsMu         sync.RWMutex
	handlers      []Handler
	stateHandlers []StateHandler
}

// outcome collects the side effects of a locked section so they can be
// dispatched after unlocking.
type outcome struct {
	datagrams   [][]byte
	plaintext   [][]byte
	transitions []State
	err         error
}

func New(p Params) (*Association, error) {
	if p.Sender == nil || p.Engine == nil || p.Verifier == nil || p.Timers == nil {
		return nil, oops.Errorf("association requires a sender, engine, verifier and timer service")
	}
	if p.IDs == nil {
		p.IDs = idtable.NewPair(0, 0)
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	a := &Association{
		sender:   p.Sender,
		ids:      p.IDs,
		client:   p.Client,
		verifier: p.Verifier,
		timers:   p.Timers,
		cfg:      p.Config,
		eng:      p.Engine,
	}
	// A new association counts as active for the first inactivity check.
	a.sending.Store(true)
	a.receiving.Store(true)
	return a, nil
}

func (a *Association) IDs() *idtable.Pair { return a.ids }
func (a *Association) Sender() Sender     { return a.sender }
func (a *Association) IsClient() bool     { return a.client }
func (a *Association) State() State       { return State(a.state.Load()) }
func (a *Association) IsClosed() bool     { return a.closed.Load() }

// Address is the address of the underlying sender.
func (a *Association) Address() string {
	return a.sender.Address()
}

// CloseReason returns why the association closed, or "" while it is open.
func (a *Association) CloseReason() CloseReason {
	a.reasonMu.Lock()
	defer a.reasonMu.Unlock()
	return a.reason
}

// Err returns the error that closed the association, if any.
func (a *Association) Err() error {
	a.reasonMu.Lock()
	defer a.reasonMu.Unlock()
	return a.closeErr
}

// PeerCertificate returns the certificate of the last completed handshake.
func (a *Association) PeerCertificate() *x509.Certificate {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return nil
	}
	return a.eng.PeerCertificate()
}

func (a *Association) String() string {
	role := "server"
	if a.client {
		role = "client"
	}
	return fmt.Sprintf("Association(%s %s %s %s)", role, a.ids, a.sender.Address(), a.State())
}

// Subscribe registers a handler for decrypted payloads.
func (a *Association) Subscribe(h Handler) {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.handlers = append(a.handlers, h)
}

// OnStateChange registers a handler called after each state transition.
func (a *Association) OnStateChange(h StateHandler) {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.stateHandlers = append(a.stateHandlers, h)
}

// Send encrypts plaintext and forwards it to the sender. Before the first
// handshake completes the message is queued and sent once Active.
func (a *Association) Send(plaintext []byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	var out outcome
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return ErrClosed
	}
	err := a.writeLocked(plaintext, &out)
	a.drainLocked(&out)
	a.mu.Unlock()

	a.dispatch(&out)
	a.handleWouldBlock()
	if err != nil {
		return err
	}
	return out.err
}

func (a *Association) writeLocked(plaintext []byte, out *outcome) error {
	if a.State() == Handshaking {
		if len(a.pending) >= a.cfg.PendingLimit {
			return ErrPendingFull
		}
		a.pending = append(a.pending, append([]byte(nil), plaintext...))
		// Make sure a client that was never told to start does so now.
		a.engineErrLocked(a.eng.Step(), out)
		return nil
	}
	err := a.eng.Write(plaintext)
	if err == nil {
		a.sending.Store(true)
		return nil
	}
	a.engineErrLocked(err, out)
	return err
}

// HandleData feeds ciphertext received from returnPath into the engine.
// Decrypted payloads reach subscribers together with returnPath and state.
func (a *Association) HandleData(ciphertext []byte, returnPath Sender, state any) error {
	if a.closed.Load() {
		return ErrClosed
	}
	var out outcome
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return ErrClosed
	}
	if err := a.eng.In().Write(ciphertext); err != nil {
		log.WithError(err).WithField("association", a.String()).Warn("dropping inbound record")
	}
	a.driveLocked(&out)
	a.drainLocked(&out)
	a.mu.Unlock()

	a.deliver(&out, returnPath, state)
	a.handleWouldBlock()
	return out.err
}

// Handshake starts or advances the handshake without waiting for traffic.
func (a *Association) Handshake() {
	if a.closed.Load() {
		return
	}
	var out outcome
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return
	}
	a.driveLocked(&out)
	a.drainLocked(&out)
	a.mu.Unlock()

	a.deliver(&out, a.sender, nil)
	a.handleWouldBlock()
}

// Renegotiate rekeys an Active association. Application data keeps flowing
// under the old keys until the new ones are in place.
func (a *Association) Renegotiate() error {
	if a.closed.Load() {
		return ErrClosed
	}
	var out outcome
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.State() != Active {
		state := a.State()
		a.mu.Unlock()
		return oops.Wrapf(ErrInvalidState, "renegotiate in %s", state)
	}
	if err := a.eng.Renegotiate(); err != nil {
		if a.eng.State().Terminal() {
			a.engineErrLocked(err, &out)
		}
		a.drainLocked(&out)
		a.mu.Unlock()
		a.dispatch(&out)
		return oops.Wrapf(ErrInvalidState, "%v", err)
	}
	a.setStateLocked(Updating, &out)
	a.drainLocked(&out)
	a.mu.Unlock()

	log.WithField("association", a.String()).Debug("renegotiating")
	a.dispatch(&out)
	a.handleWouldBlock()
	return nil
}

// Close terminates the association and reports whether this call did so.
// It is safe to call any number of times from any goroutine.
func (a *Association) Close(reason CloseReason) bool {
	return a.CloseWithError(reason, nil)
}

// CloseWithError is Close with a diagnostic kept for Err.
func (a *Association) CloseWithError(reason CloseReason, err error) bool {
	if a.closed.Load() {
		return false
	}
	var out outcome
	a.mu.Lock()
	first := a.closeLocked(reason, err, &out)
	a.mu.Unlock()
	a.dispatch(&out)
	return first
}

// CheckActivity closes the association when no message moved in either
// direction since the previous check.
func (a *Association) CheckActivity() bool {
	sent := a.sending.Swap(false)
	received := a.receiving.Swap(false)
	if sent || received {
		return true
	}
	a.Close(ReasonInactivity)
	return false
}

// driveLocked advances the engine, verifies a freshly completed handshake
// and collects any plaintext that may now be released.
func (a *Association) driveLocked(out *outcome) {
	err := a.eng.Step()
	if err == nil && a.eng.State().Terminal() {
		err = a.eng.LastError()
	}
	if engine.IsTransient(err) || errors.Is(err, engine.ErrZeroReturn) {
		if a.verifyLocked(out) {
			a.syncStateLocked(out)
			a.readLocked(out)
		}
	}
	if a.closed.Load() {
		return
	}
	if a.engineErrLocked(err, out) {
		a.flushPendingLocked(out)
	}
}

// readLocked drains decrypted messages. Nothing is read before Active.
func (a *Association) readLocked(out *outcome) {
	if s := a.State(); s != Active && s != Updating {
		return
	}
	for {
		p, err := a.eng.Read()
		if err != nil {
			a.engineErrLocked(err, out)
			break
		}
		out.plaintext = append(out.plaintext, p)
	}
	if len(out.plaintext) > 0 {
		a.receiving.Store(true)
	}
}

// engineErrLocked classifies an engine result. It returns false when the
// association was closed because of it.
func (a *Association) engineErrLocked(err error, out *outcome) bool {
	switch {
	case engine.IsTransient(err):
		return true
	case errors.Is(err, engine.ErrZeroReturn):
		a.closeLocked(ReasonPeerClosed, nil, out)
	default:
		a.closeLocked(ReasonEngineError, err, out)
		out.err = err
	}
	return false
}

// verifyLocked checks the peer certificate after each completed handshake.
func (a *Association) verifyLocked(out *outcome) bool {
	gen := a.eng.Generation()
	if gen == a.verifiedGen {
		return true
	}
	cert := a.eng.PeerCertificate()
	identity := a.sender.Address()
	if err := a.verifier.VerifyIdentity(cert, identity); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":          "(Association) verifyLocked",
			"association": a.String(),
			"identity":    identity,
		}).Warn("peer certificate rejected")
		a.closeLocked(ReasonCertificateRejected, err, out)
		return false
	}
	a.verifiedGen = gen
	return true
}

func (a *Association) syncStateLocked(out *outcome) {
	switch a.eng.State() {
	case engine.Established:
		if a.verifiedGen > 0 {
			a.setStateLocked(Active, out)
		}
	case engine.Renegotiating:
		if a.State() == Active {
			a.setStateLocked(Updating, out)
		}
	}
}

func (a *Association) flushPendingLocked(out *outcome) {
	if a.State() == Handshaking || len(a.pending) == 0 {
		return
	}
	queued := a.pending
	a.pending = nil
	for _, p := range queued {
		if err := a.eng.Write(p); err != nil {
			a.engineErrLocked(err, out)
			return
		}
	}
	a.sending.Store(true)
}

// setStateLocked applies a transition unless the association is closed or
// already in that state.
func (a *Association) setStateLocked(next State, out *outcome) {
	for {
		cur := State(a.state.Load())
		if cur == Closed || cur == next {
			return
		}
		if a.state.CompareAndSwap(int32(cur), int32(next)) {
			out.transitions = append(out.transitions, next)
			log.WithFields(logger.Fields{
				"association": a.ids.String(),
				"from":        cur.String(),
				"to":          next.String(),
			}).Debug("association state change")
			return
		}
	}
}

func (a *Association) closeLocked(reason CloseReason, err error, out *outcome) bool {
	if !a.closed.CompareAndSwap(false, true) {
		return false
	}
	a.reasonMu.Lock()
	a.reason = reason
	a.closeErr = err
	a.reasonMu.Unlock()

	// A peer that never heard from us cannot tell our close_notify apart
	// from one sent by the association it is really talking to.
	spoken := a.transmitted || a.eng.Out().Pending() > 0
	if spoken && !a.eng.State().Terminal() {
		if shutdownErr := a.eng.Shutdown(); shutdownErr != nil {
			log.WithError(shutdownErr).Debug("unable to queue close notification")
		}
	}
	a.drainLocked(out)
	a.eng.Close()
	a.pending = nil
	if a.timerEvent != nil {
		a.timerEvent.Cancel()
		a.timerEvent = nil
	}

	prev := State(a.state.Swap(int32(Closed)))
	if prev != Closed {
		out.transitions = append(out.transitions, Closed)
	}
	entry := log.WithFields(logger.Fields{
		"at":          "(Association) Close",
		"association": a.ids.String(),
		"sender":      a.sender.Address(),
		"reason":      reason.String(),
	})
	if err != nil {
		entry.WithError(err).Warn("association closed")
	} else {
		entry.Debug("association closed")
	}
	return true
}

// drainLocked frames every record the engine produced.
func (a *Association) drainLocked(out *outcome) {
	for _, rec := range a.eng.Out().Drain() {
		out.datagrams = append(out.datagrams, a.frame(rec))
		a.transmitted = true
	}
}

func (a *Association) frame(rec []byte) []byte {
	buf := make([]byte, 0, len(a.cfg.Marker)+idtable.HeaderSize+len(rec))
	buf = append(buf, a.cfg.Marker...)
	buf = a.ids.AppendHeader(buf)
	return append(buf, rec...)
}

// deliver dispatches transitions, hands plaintext read while Active to
// subscribers and then transmits, so a synchronous transport never reorders
// deliveries.
func (a *Association) deliver(out *outcome, returnPath Sender, state any) {
	a.notify(out.transitions)
	if len(out.plaintext) > 0 {
		a.obsMu.RLock()
		handlers := append([]Handler(nil), a.handlers...)
		a.obsMu.RUnlock()
		for _, p := range out.plaintext {
			d := Delivery{Payload: p, Association: a, ReturnPath: returnPath, State: state}
			for _, h := range handlers {
				h(d)
			}
		}
	}
	a.transmit(out.datagrams)
}

func (a *Association) dispatch(out *outcome) {
	a.notify(out.transitions)
	a.transmit(out.datagrams)
}

func (a *Association) notify(transitions []State) {
	if len(transitions) == 0 {
		return
	}
	a.obsMu.RLock()
	handlers := append([]StateHandler(nil), a.stateHandlers...)
	a.obsMu.RUnlock()
	for _, s := range transitions {
		for _, h := range handlers {
			h(a, s)
		}
	}
}

func (a *Association) transmit(datagrams [][]byte) {
	for _, d := range datagrams {
		if err := a.sender.Send(d); err != nil {
			log.WithError(err).WithField("association", a.ids.String()).Warn("sender failed")
		}
	}
}

// handleWouldBlock lets the engine retransmit when its deadline passed and
// keeps one timer outstanding for the earliest deadline.
func (a *Association) handleWouldBlock() {
	if a.closed.Load() {
		return
	}
	var out outcome
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return
	}
	if _, err := a.eng.HandleTimeout(); err != nil {
		a.engineErrLocked(err, &out)
	}
	a.drainLocked(&out)
	deadline, armed := a.eng.Timeout()
	if armed && !a.closed.Load() && (a.timerEvent == nil || deadline.Before(a.timerDue)) {
		a.armTimerLocked(deadline)
	}
	a.mu.Unlock()

	a.dispatch(&out)
}

func (a *Association) armTimerLocked(deadline time.Time) {
	if a.timerEvent != nil {
		a.timerEvent.Cancel()
	}
	a.timerGen++
	gen := a.timerGen
	a.timerDue = deadline
	delay := deadline.Sub(a.timers.Clock().Now())
	a.timerEvent = a.timers.DoAfter(func() { a.onTimer(gen) }, delay, a.cfg.TimerGrace)
}

// onTimer ignores the bookkeeping of a timer that was already replaced.
func (a *Association) onTimer(gen uint64) {
	a.mu.Lock()
	if gen == a.timerGen {
		a.timerEvent = nil
	}
	a.mu.Unlock()
	a.handleWouldBlock()
}
