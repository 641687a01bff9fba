package handshake

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flynn/noise"
	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var prologue = []byte("go-secchan/1")

// Params configures one engine.
type Params struct {
	Role   engine.Role
	Store  *trust.Store
	Signer crypto.Signer
	// Cookies is consulted by servers for the initial exchange; nil
	// disables the cookie round trip.
	Cookies *CookieJar
	// PeerAddress and PeerID bind cookies to the initiator.
	PeerAddress string
	PeerID      uint32
	// Static is the Noise static key. A fresh key is generated when empty.
	Static noise.DHKey
	Clock  clock.Clock
	Config Config
}

// Engine is a handshake and record engine for one association. It is not
// safe for concurrent use.
type Engine struct {
	role    engine.Role
	cfg     Config
	clock   clock.Clock
	store   *trust.Store
	signer  crypto.Signer
	cookies *CookieJar
	peer    string
	peerID  uint32
	static  noise.DHKey

	in    *engine.Buffer
	out   *engine.Buffer
	plain [][]byte

	state      engine.State
	lastErr    error
	generation uint64
	peerCert   *x509.Certificate

	plainSeq uint64
	current  *epoch
	pending  *epoch
	previous *epoch

	ex       *exchange
	finished *handshakeMessage

	flight      []handshakeMessage
	armed       bool
	deadline    time.Time
	timeout     time.Duration
	retransmits int
}

var _ engine.Engine = (*Engine)(nil)

// New builds an engine. Clients send their first flight on the first Step.
func New(p Params) (*Engine, error) {
	if p.Store == nil {
		return nil, oops.Errorf("handshake engine requires a trust store")
	}
	if p.Signer == nil {
		return nil, ErrMissingSigner
	}
	if p.Config == (Config{}) {
		p.Config = DefaultConfig()
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if len(p.Static.Private) == 0 {
		key, err := cipherSuite.GenerateKeypair(rand.Reader)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to generate static key")
		}
		p.Static = key
	}

	e := &Engine{
		role:    p.Role,
		cfg:     p.Config,
		clock:   p.Clock,
		store:   p.Store,
		signer:  p.Signer,
		cookies: p.Cookies,
		peer:    p.PeerAddress,
		peerID:  p.PeerID,
		static:  p.Static,
		in:      engine.NewBuffer(p.Config.BufferLimit),
		out:     engine.NewBuffer(p.Config.BufferLimit),
		state:   engine.Handshaking,
		timeout: p.Config.RetransmitMin,
	}
	if p.Role == engine.Server {
		e.ex = &exchange{number: 0, step: awaitHello}
	}
	return e, nil
}

func (e *Engine) In() *engine.Buffer                  { return e.in }
func (e *Engine) Out() *engine.Buffer                 { return e.out }
func (e *Engine) State() engine.State                 { return e.state }
func (e *Engine) LastError() error                    { return e.lastErr }
func (e *Engine) Generation() uint64                  { return e.generation }
func (e *Engine) PeerCertificate() *x509.Certificate { return e.peerCert }

// Timeout returns the retransmission deadline of the current flight.
func (e *Engine) Timeout() (time.Time, bool) {
	if !e.armed || e.state.Terminal() {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Step processes every buffered record. A client sends its first flight on
// the first call.
func (e *Engine) Step() error {
	if e.state.Terminal() {
		return e.terminalErr()
	}
	progressed := false
	if e.ex == nil && e.role == engine.Client {
		if err := e.initiate(0); err != nil {
			return e.fail(err, AlertInternalError)
		}
		progressed = true
	}
	for !e.state.Terminal() {
		rec, err := e.in.Read()
		if err != nil {
			break
		}
		progressed = true
		if err := e.handleRecord(rec); err != nil {
			return err
		}
	}
	if e.state == engine.Failed {
		return e.lastErr
	}
	if !progressed {
		return engine.ErrWantRead
	}
	return nil
}

// Read returns the next application message, processing buffered records
// when none is queued.
func (e *Engine) Read() ([]byte, error) {
	if p, ok := e.popPlain(); ok {
		return p, nil
	}
	if e.state.Terminal() {
		return nil, e.terminalErr()
	}
	if err := e.Step(); err != nil && !errors.Is(err, engine.ErrWantRead) {
		if p, ok := e.popPlain(); ok {
			return p, nil
		}
		return nil, err
	}
	if p, ok := e.popPlain(); ok {
		return p, nil
	}
	if e.state.Terminal() {
		return nil, e.terminalErr()
	}
	return nil, engine.ErrWantRead
}

func (e *Engine) popPlain() ([]byte, bool) {
	if len(e.plain) == 0 {
		return nil, false
	}
	p := e.plain[0]
	e.plain[0] = nil
	e.plain = e.plain[1:]
	return p, true
}

// Write seals p under the current epoch.
func (e *Engine) Write(p []byte) error {
	if e.state.Terminal() {
		return e.terminalErr()
	}
	if e.current == nil {
		return engine.ErrWouldBlock
	}
	return e.sendRecord(ContentApplication, p)
}

// HandleTimeout retransmits the current flight once its deadline passed.
func (e *Engine) HandleTimeout() (bool, error) {
	if !e.armed || e.state.Terminal() {
		return false, nil
	}
	if e.clock.Now().Before(e.deadline) {
		return false, nil
	}
	e.retransmits++
	if e.retransmits > e.cfg.MaxRetransmits {
		return true, e.fail(oops.Wrapf(ErrHandshakeTimeout, "after %d retransmissions", e.cfg.MaxRetransmits), AlertHandshakeFailure)
	}
	e.timeout *= 2
	if e.timeout > e.cfg.RetransmitMax {
		e.timeout = e.cfg.RetransmitMax
	}
	log.WithFields(logger.Fields{
		"at":          "(Engine) HandleTimeout",
		"role":        e.role.String(),
		"retransmits": e.retransmits,
		"timeout":     e.timeout,
	}).Debug("retransmitting handshake flight")
	if err := e.transmitFlight(); err != nil {
		return true, e.fail(err, AlertInternalError)
	}
	e.arm()
	return true, nil
}

// Renegotiate starts a new exchange inside the current epoch.
func (e *Engine) Renegotiate() error {
	switch e.state {
	case engine.Established:
	case engine.Renegotiating:
		return ErrRenegotiating
	default:
		if e.state.Terminal() {
			return e.terminalErr()
		}
		return ErrNotEstablished
	}
	if err := e.initiate(e.ex.number + 1); err != nil {
		return e.fail(err, AlertInternalError)
	}
	e.state = engine.Renegotiating
	return nil
}

// Shutdown queues a close_notify alert and closes the engine for writing.
func (e *Engine) Shutdown() error {
	if e.state.Terminal() {
		return nil
	}
	err := e.sendAlert(alertWarning, AlertCloseNotify)
	e.state = engine.Closed
	e.lastErr = engine.ErrClosed
	e.disarm()
	return err
}

// Close releases key material. Buffered output is discarded.
func (e *Engine) Close() {
	if !e.state.Terminal() {
		e.state = engine.Closed
		e.lastErr = engine.ErrClosed
	}
	e.disarm()
	e.ex = nil
	e.finished = nil
	e.flight = nil
	e.current, e.pending, e.previous = nil, nil, nil
	e.plain = nil
	e.in.Reset()
	e.out.Reset()
}

func (e *Engine) terminalErr() error {
	if e.lastErr != nil {
		return e.lastErr
	}
	return engine.ErrClosed
}

// fail moves the engine to Failed and, when possible, tells the peer why.
func (e *Engine) fail(err error, code AlertCode) error {
	if e.state.Terminal() {
		return err
	}
	if alertErr := e.sendAlert(alertFatal, code); alertErr != nil {
		log.WithError(alertErr).Debug("unable to queue fatal alert")
	}
	e.state = engine.Failed
	e.lastErr = err
	e.disarm()
	log.WithError(err).WithFields(logger.Fields{
		"at":    "(Engine) fail",
		"role":  e.role.String(),
		"alert": code.String(),
	}).Warn("handshake engine failed")
	return err
}

func (e *Engine) sendAlert(level alertLevel, code AlertCode) error {
	return e.sendRecord(ContentAlert, alert{Level: level, Code: code}.marshal())
}

// sendRecord frames body under the current epoch, or in the clear before
// the first exchange completed.
func (e *Engine) sendRecord(typ ContentType, body []byte) error {
	var rec []byte
	if e.current == nil {
		h := recordHeader{Type: typ, Epoch: 0, Seq: e.plainSeq}
		e.plainSeq++
		rec = h.appendTo(make([]byte, 0, RecordHeaderSize+len(body)))
		rec = append(rec, body...)
	} else {
		var err error
		if rec, err = e.current.seal(typ, body); err != nil {
			return err
		}
	}
	if err := e.out.Write(rec); err != nil {
		log.WithError(err).WithField("type", typ.String()).Warn("dropping outbound record")
	}
	return nil
}

func (e *Engine) epochFor(n uint16) *epoch {
	for _, ep := range []*epoch{e.current, e.pending, e.previous} {
		if ep != nil && ep.number == n {
			return ep
		}
	}
	return nil
}

func (e *Engine) handleRecord(data []byte) error {
	h, hdr, body, err := parseRecord(data)
	if err != nil {
		return e.fail(err, AlertDecodeError)
	}

	plain := body
	if h.Epoch == 0 {
		if e.current != nil && h.Type != ContentHandshake {
			log.WithField("type", h.Type.String()).Debug("dropping cleartext record on protected channel")
			return nil
		}
		if h.Type == ContentApplication {
			return e.fail(oops.Wrapf(ErrBadRecord, "cleartext application data"), AlertUnexpectedMessage)
		}
	} else {
		ep := e.epochFor(h.Epoch)
		if ep == nil {
			log.WithField("epoch", h.Epoch).Debug("dropping record for unknown epoch")
			return nil
		}
		plain, err = ep.open(hdr, h.Seq, body)
		if errors.Is(err, errReplayed) {
			log.WithFields(logger.Fields{"epoch": h.Epoch, "seq": h.Seq}).Debug("dropping replayed record")
			return nil
		}
		if err != nil {
			return e.fail(err, AlertBadRecordMAC)
		}
		if ep == e.pending && h.Type != ContentHandshake {
			// The peer already switched, so it saw our last flight.
			e.completeInitiator()
		}
	}

	switch h.Type {
	case ContentHandshake:
		return e.handleHandshake(h.Epoch, plain)
	case ContentAlert:
		return e.handleAlert(plain)
	default:
		if e.current == nil {
			return e.fail(oops.Wrapf(ErrBadRecord, "application data before handshake"), AlertUnexpectedMessage)
		}
		e.plain = append(e.plain, plain)
		return nil
	}
}

func (e *Engine) handleAlert(body []byte) error {
	a, err := parseAlert(body)
	if err != nil {
		return e.fail(err, AlertDecodeError)
	}
	if a.Code == AlertCloseNotify {
		log.WithField("role", e.role.String()).Debug("peer sent close_notify")
		e.state = engine.Closed
		e.lastErr = engine.ErrZeroReturn
		e.disarm()
		return nil
	}
	if a.Level == alertFatal {
		err := oops.Wrapf(ErrPeerAlert, "%s", a.Code)
		e.state = engine.Failed
		e.lastErr = err
		e.disarm()
		return err
	}
	log.WithField("alert", a.Code.String()).Debug("ignoring warning alert")
	return nil
}

func (e *Engine) arm() {
	e.armed = true
	e.deadline = e.clock.Now().Add(e.timeout)
}

func (e *Engine) disarm() {
	e.armed = false
}

func (e *Engine) resetBackoff() {
	e.timeout = e.cfg.RetransmitMin
	e.retransmits = 0
}

// startFlight replaces the retransmittable flight, sends it and arms the
// retransmission timer.
func (e *Engine) startFlight(msgs ...handshakeMessage) error {
	e.flight = msgs
	e.resetBackoff()
	if err := e.transmitFlight(); err != nil {
		return err
	}
	e.arm()
	return nil
}

func (e *Engine) transmitFlight() error {
	for _, m := range e.flight {
		if err := e.sendRecord(ContentHandshake, m.marshal()); err != nil {
			return err
		}
	}
	return nil
}
