package overlord

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/go-secchan/lib/security/association"
	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/handshake"
	"github.com/go-i2p/go-secchan/lib/security/idtable"
	"github.com/go-i2p/go-secchan/lib/security/metrics"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/go-i2p/go-secchan/lib/util/timer"
	"github.com/go-i2p/logger"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

var log = logger.GetGoI2PLogger()

type Option func(*Overlord)

// WithClock sets the clock used by engines and the timer service.
func WithClock(clk clock.Clock) Option {
	return func(o *Overlord) { o.clock = clk }
}

// WithTimers shares an existing timer service. The overlord does not close
// it.
func WithTimers(t *timer.Service) Option {
	return func(o *Overlord) { o.timers = t }
}

// WithRegisterer registers the overlord's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Overlord) { o.registerer = reg }
}

// Overlord owns the trust store and the identifier table of a node and maps
// senders to associations.
type Overlord struct {
	cfg    Config
	store  *trust.Store
	signer crypto.Signer

	clock      clock.Clock
	timers     *timer.Service
	ownTimers  bool
	registerer prometheus.Registerer
	metrics    *metrics.Metrics
	cookies    *handshake.CookieJar
	limiter    *rate.Limiter
	recent     *expirable.LRU[string, struct{}]
	gc         *timer.Event

	// mu guards both indexes so a removal is never half visible.
	mu       sync.RWMutex
	bySender map[string]*association.Association
	ids      *idtable.Table[*association.Association]
	closed   atomic.Bool

	obsMu    sync.RWMutex
	handlers []association.Handler
	announce []association.StateHandler
}

// New builds an overlord for the node holding signer's certificates in store.
func New(cfg Config, store *trust.Store, signer crypto.Signer, opts ...Option) (*Overlord, error) {
	if store == nil {
		return nil, oops.Errorf("overlord requires a trust store")
	}
	if signer == nil {
		return nil, handshake.ErrMissingSigner
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Overlord{
		cfg:      cfg,
		store:    store,
		signer:   signer,
		bySender: make(map[string]*association.Association),
		ids:      idtable.NewTable[*association.Association](),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.timers == nil {
		o.timers = timer.New(o.clock)
		o.ownTimers = true
	}
	o.metrics = metrics.New(o.registerer)

	if cfg.CookieLength > 0 {
		jar, err := handshake.NewCookieJar(o.clock, cfg.CookieLength, cfg.CookieRotation)
		if err != nil {
			return nil, err
		}
		o.cookies = jar
	}
	if cfg.InboundRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst)
	}
	if cfg.RecentlyClosedSize > 0 && cfg.RecentlyClosedTTL > 0 {
		o.recent = expirable.NewLRU[string, struct{}](cfg.RecentlyClosedSize, nil, cfg.RecentlyClosedTTL)
	}
	if cfg.InactivityTimeout > 0 {
		o.gc = o.timers.Every(o.collectGarbage, cfg.InactivityTimeout, cfg.Association.TimerGrace)
	}

	log.WithFields(logger.Fields{
		"at":       "overlord.New",
		"local_id": store.LocalID(),
		"cas":      len(store.SupportedCAs()),
		"cookies":  o.cookies.Enabled(),
	}).Debug("overlord started")
	return o, nil
}

func (o *Overlord) Store() *trust.Store      { return o.store }
func (o *Overlord) Metrics() *metrics.Metrics { return o.metrics }

// Subscribe registers a handler for plaintext from any association.
func (o *Overlord) Subscribe(h association.Handler) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.handlers = append(o.handlers, h)
}

// OnAnnounce registers a handler for state changes of any association.
func (o *Overlord) OnAnnounce(h association.StateHandler) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.announce = append(o.announce, h)
}

// Associations returns a snapshot of the registered associations.
func (o *Overlord) Associations() []*association.Association {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*association.Association, 0, len(o.bySender))
	for _, a := range o.bySender {
		out = append(out, a)
	}
	return out
}

func (o *Overlord) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.bySender)
}

// Lookup returns the association registered for address.
func (o *Overlord) Lookup(address string) (*association.Association, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.bySender[address]
	return a, ok
}

// CreateAssociation returns the association for sender, building one when
// none exists. Concurrent callers for the same sender all get the same
// association. With startAsClient the handshake begins immediately.
func (o *Overlord) CreateAssociation(sender association.Sender, startAsClient bool) (*association.Association, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if o.closed.Load() {
		return nil, ErrOverlordClosed
	}
	addr := sender.Address()
	if a, ok := o.Lookup(addr); ok && !a.IsClosed() {
		return a, nil
	}

	a, err := o.newAssociation(sender, idtable.NewPair(0, 0), startAsClient)
	if err != nil {
		return nil, err
	}
	winner, err := o.register(a)
	if err != nil {
		a.Close(association.ReasonShutdown)
		return nil, err
	}
	if winner != a {
		a.Close(association.ReasonDuplicate)
		return winner, nil
	}
	if startAsClient {
		a.Handshake()
	}
	return a, nil
}

// register inserts a under its sender unless a live association won the
// race, in which case that one is returned.
func (o *Overlord) register(a *association.Association) (*association.Association, error) {
	addr := a.Address()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() {
		return nil, ErrOverlordClosed
	}
	if cur, ok := o.bySender[addr]; ok && !cur.IsClosed() {
		return cur, nil
	}
	if err := o.ids.Insert(a); err != nil {
		return nil, err
	}
	o.bySender[addr] = a
	o.metrics.Associations.Set(float64(len(o.bySender)))
	return a, nil
}

func (o *Overlord) newAssociation(sender association.Sender, ids *idtable.Pair, client bool) (*association.Association, error) {
	role := engine.Server
	var cookies *handshake.CookieJar
	if client {
		role = engine.Client
	} else {
		cookies = o.cookies
	}
	eng, err := handshake.New(handshake.Params{
		Role:        role,
		Store:       o.store,
		Signer:      o.signer,
		Cookies:     cookies,
		PeerAddress: sender.Address(),
		PeerID:      ids.Remote(),
		Clock:       o.clock,
		Config:      o.cfg.Handshake,
	})
	if err != nil {
		return nil, err
	}
	a, err := association.New(association.Params{
		Sender:   sender,
		Engine:   eng,
		IDs:      ids,
		Client:   client,
		Verifier: o.store,
		Timers:   o.timers,
		Config:   o.cfg.Association,
	})
	if err != nil {
		eng.Close()
		return nil, err
	}
	o.watch(a)
	return a, nil
}

// watch attaches the overlord's observers before a becomes reachable.
func (o *Overlord) watch(a *association.Association) {
	created := o.clock.Now()
	var activated, updating atomic.Bool
	a.Subscribe(o.deliver)
	a.OnStateChange(func(a *association.Association, s association.State) {
		switch s {
		case association.Active:
			if !activated.Swap(true) {
				o.metrics.HandshakeDone(o.clock.Since(created))
			} else if updating.Swap(false) {
				o.metrics.Renegotiations.Inc()
			}
		case association.Updating:
			updating.Store(true)
		case association.Closed:
			o.onClosed(a)
		}
		o.obsMu.RLock()
		handlers := append([]association.StateHandler(nil), o.announce...)
		o.obsMu.RUnlock()
		for _, h := range handlers {
			h(a, s)
		}
	})
}

func (o *Overlord) onClosed(a *association.Association) {
	o.unregister(a)
	reason := a.CloseReason()
	o.metrics.CloseReason(reason.String())
	if reason == association.ReasonCertificateRejected {
		o.metrics.Rejections.Inc()
	}
	if remote := a.IDs().Remote(); remote != 0 && o.recent != nil && reason != association.ReasonDuplicate {
		o.recent.Add(recentKey(a.Address(), remote), struct{}{})
	}
}

func (o *Overlord) deliver(d association.Delivery) {
	o.obsMu.RLock()
	handlers := append([]association.Handler(nil), o.handlers...)
	o.obsMu.RUnlock()
	for _, h := range handlers {
		h(d)
	}
}

// RemoveAssociation unregisters a and closes it.
func (o *Overlord) RemoveAssociation(a *association.Association) {
	if a == nil {
		return
	}
	o.unregister(a)
	a.Close(association.ReasonRequested)
}

// unregister drops a from both indexes in one critical section. Entries that
// already point at a newer association are left alone.
func (o *Overlord) unregister(a *association.Association) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.bySender[a.Address()]; ok && cur == a {
		delete(o.bySender, a.Address())
	}
	if local := a.IDs().Local(); local != 0 {
		if cur, ok := o.ids.Get(local); ok && cur == a {
			o.ids.Remove(local)
		}
	}
	o.metrics.Associations.Set(float64(len(o.bySender)))
}

// HandleRaw is the entry point for datagrams from the transport.
func (o *Overlord) HandleRaw(data []byte, from association.Sender, state any) error {
	return o.HandleData(PacketRaw{Data: data, From: from, State: state})
}

// HandleData demultiplexes raw datagrams to their association and delivers
// already associated payloads straight to subscribers. Dropped packets are
// reported as errors the caller may ignore.
func (o *Overlord) HandleData(p Packet) error {
	if o.closed.Load() {
		return ErrOverlordClosed
	}
	switch p := p.(type) {
	case PacketAssociated:
		if p.Association == nil {
			return ErrNilSender
		}
		o.deliver(association.Delivery{
			Payload:     p.Payload,
			Association: p.Association,
			ReturnPath:  p.Association,
			State:       p.State,
		})
		return nil
	case PacketRaw:
		return o.handleRaw(p)
	default:
		return oops.Errorf("unknown packet type %T", p)
	}
}

func (o *Overlord) handleRaw(p PacketRaw) error {
	if p.From == nil {
		return ErrNilSender
	}
	marker := o.cfg.Association.Marker
	if !bytes.HasPrefix(p.Data, marker) {
		return o.drop(metrics.DropNotSecured, p.From, ErrNotSecured)
	}
	payload, local, remote, err := idtable.ParseHeader(p.Data[len(marker):])
	if err != nil {
		return o.drop(metrics.DropTruncated, p.From, err)
	}

	if local != 0 {
		o.mu.RLock()
		a, err := o.ids.TryGet(local, remote)
		o.mu.RUnlock()
		switch {
		case errors.Is(err, idtable.ErrRemoteIDMismatch):
			return o.drop(metrics.DropSpoofed, p.From, err)
		case err != nil:
			return o.drop(metrics.DropUnknownID, p.From, err)
		}
		return o.forward(a, payload, p)
	}
	return o.accept(payload, remote, p)
}

// accept handles a datagram addressed to no local id: the first flight of
// a peer, or a retransmission of it.
func (o *Overlord) accept(payload []byte, remote uint32, p PacketRaw) error {
	if remote == 0 {
		return o.drop(metrics.DropUnknownID, p.From, idtable.ErrZeroID)
	}
	addr := p.From.Address()
	if existing, ok := o.Lookup(addr); ok && !existing.IsClosed() {
		ids := existing.IDs()
		switch {
		case ids.Remote() == remote:
			return o.forward(existing, payload, p)
		case ids.Remote() == 0 && !existing.IsClient():
			// A passive association created for this sender adopts the id.
			if err := ids.SetRemote(remote); err == nil {
				return o.forward(existing, payload, p)
			}
		case ids.Remote() == 0 && existing.IsClient():
			// Both sides opened at once; the higher initiator id keeps its
			// client role.
			if ids.Local() > remote {
				return o.drop(metrics.DropSimultaneous, p.From, ErrDropped)
			}
			existing.Close(association.ReasonDuplicate)
		default:
			log.WithFields(logger.Fields{
				"at":          "(Overlord) accept",
				"association": existing.String(),
				"remote":      fmt.Sprintf("%08x", remote),
			}).Debug("peer restarted, superseding association")
			existing.Close(association.ReasonSuperseded)
		}
	}

	if o.recent != nil && o.recent.Contains(recentKey(addr, remote)) {
		return o.drop(metrics.DropRecentlyClosed, p.From, ErrDropped)
	}
	if o.limiter != nil && !o.limiter.Allow() {
		return o.drop(metrics.DropRateLimited, p.From, ErrDropped)
	}

	a, err := o.newAssociation(p.From, idtable.NewPair(0, remote), false)
	if err != nil {
		return err
	}
	winner, err := o.register(a)
	if err != nil {
		a.Close(association.ReasonShutdown)
		return err
	}
	if winner != a {
		a.Close(association.ReasonDuplicate)
		if winner.IDs().Remote() != remote {
			return o.drop(metrics.DropSimultaneous, p.From, ErrDropped)
		}
		return o.forward(winner, payload, p)
	}
	o.metrics.Spawned.Inc()
	log.WithFields(logger.Fields{
		"at":          "(Overlord) accept",
		"association": a.String(),
	}).Debug("spawned server association")
	return o.forward(a, payload, p)
}

func (o *Overlord) forward(a *association.Association, payload []byte, p PacketRaw) error {
	err := a.HandleData(payload, p.From, p.State)
	if errors.Is(err, association.ErrClosed) {
		return o.drop(metrics.DropClosed, p.From, err)
	}
	if err != nil {
		log.WithError(err).WithField("association", a.String()).Error("association failed")
	}
	return err
}

func (o *Overlord) drop(cause string, from association.Sender, err error) error {
	o.metrics.Drop(cause)
	log.WithFields(logger.Fields{
		"at":    "(Overlord) drop",
		"from":  from.Address(),
		"cause": cause,
	}).Debug("dropping inbound packet")
	return err
}

// collectGarbage asks every association whether it saw traffic since the
// last round; idle ones close themselves.
func (o *Overlord) collectGarbage() {
	for _, a := range o.Associations() {
		a.CheckActivity()
	}
}

// Close shuts every association down. It is safe to call more than once.
func (o *Overlord) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if o.gc != nil {
		o.gc.Cancel()
	}
	for _, a := range o.Associations() {
		a.Close(association.ReasonShutdown)
	}
	if o.ownTimers {
		o.timers.Close()
	}
	log.WithField("at", "(Overlord) Close").Debug("overlord closed")
	return nil
}

func recentKey(addr string, remote uint32) string {
	return fmt.Sprintf("%s|%08x", addr, remote)
}
