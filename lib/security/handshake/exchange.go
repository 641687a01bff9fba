package handshake

import (
	"bytes"
	"crypto/subtle"
	"crypto/x509"

	"github.com/flynn/noise"
	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

type exchangeStep int

const (
	awaitHello exchangeStep = iota
	awaitServerFlight
	awaitClientFlight
	awaitFinished
	exchangeDone
)

// ephemeralSize is the length of the initiator's ephemeral key at the start
// of the first Noise message.
const ephemeralSize = 32

// exchange is one run of the Noise XX handshake. Number 0 is the initial
// exchange; exchange n installs epoch n+1.
type exchange struct {
	number    uint16
	initiator bool
	step      exchangeStep
	hs        *noise.HandshakeState
	msg1      []byte
	cookie    []byte
	peerCert  *x509.Certificate
	binding   []byte
}

func (e *Engine) newHandshakeState(initiator bool) (*noise.HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      prologue,
		StaticKeypair: e.static,
	})
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create handshake state")
	}
	return hs, nil
}

// localIdentity picks a certificate the peer's CAs accept and signs our
// static key with it. Without a match the default certificate is offered
// and the peer decides.
func (e *Engine) localIdentity(peerCAs []trust.Serial) (identityPayload, error) {
	cert, err := e.store.FindCertificate(peerCAs)
	if err != nil {
		cert, err = e.store.DefaultCertificate()
		if err != nil {
			return identityPayload{}, err
		}
		log.WithFields(logger.Fields{
			"at":     "(Engine) localIdentity",
			"serial": trust.SerialOf(cert),
		}).Debug("no certificate issued by a peer CA, offering default")
	}
	if !ownsCertificate(e.signer, cert) {
		return identityPayload{}, oops.Wrapf(ErrMissingSigner, "signing key does not match certificate %s", trust.SerialOf(cert))
	}
	sig, err := signBinding(e.signer, e.static.Public)
	if err != nil {
		return identityPayload{}, oops.Wrapf(err, "failed to sign static key")
	}
	return identityPayload{Certificate: trust.EncodeCertificate(cert), Signature: sig}, nil
}

// remoteIdentity decodes the peer's certificate and checks that it owns the
// static key Noise authenticated.
func remoteIdentity(payload []byte, hs *noise.HandshakeState) (identityPayload, *x509.Certificate, error) {
	id, err := parseIdentity(payload)
	if err != nil {
		return identityPayload{}, nil, err
	}
	cert, err := trust.DecodeCertificate(id.Certificate)
	if err != nil {
		return identityPayload{}, nil, oops.Wrapf(ErrBadMessage, "peer certificate: %v", err)
	}
	if err := verifyBinding(cert, hs.PeerStatic(), id.Signature); err != nil {
		return identityPayload{}, nil, err
	}
	return id, cert, nil
}

// initiate starts exchange number as the Noise initiator.
func (e *Engine) initiate(number uint16) error {
	hs, err := e.newHandshakeState(true)
	if err != nil {
		return err
	}
	hello := identityPayload{Serials: e.store.SupportedCAs()}
	msg1, _, _, err := hs.WriteMessage(nil, hello.marshal())
	if err != nil {
		return oops.Wrapf(err, "failed to write first handshake message")
	}
	e.ex = &exchange{
		number:    number,
		initiator: true,
		step:      awaitServerFlight,
		hs:        hs,
		msg1:      msg1,
	}
	log.WithFields(logger.Fields{
		"at":       "(Engine) initiate",
		"role":     e.role.String(),
		"exchange": number,
	}).Debug("starting handshake exchange")
	return e.startFlight(handshakeMessage{Type: msgClientHello, Exchange: number, Body: msg1})
}

func (e *Engine) handleHandshake(recEpoch uint16, body []byte) error {
	m, err := parseMessage(body)
	if err != nil {
		return e.fail(err, AlertDecodeError)
	}
	if e.pending != nil && recEpoch == e.pending.number && m.Type != msgFinished {
		e.completeInitiator()
	}
	// The initial exchange runs in the clear, renegotiations never do.
	if m.Type != msgFinished && (m.Exchange == 0) != (recEpoch == 0) {
		log.WithFields(logger.Fields{
			"message":  m.Type.String(),
			"exchange": m.Exchange,
			"epoch":    recEpoch,
		}).Debug("dropping handshake message in wrong epoch")
		return nil
	}

	switch m.Type {
	case msgClientHello:
		return e.onHello(m)
	case msgHelloVerify:
		return e.onHelloVerify(m)
	case msgServerFlight:
		return e.onServerFlight(m)
	case msgClientFlight:
		return e.onClientFlight(m)
	case msgFinished:
		return e.onFinished(recEpoch, m)
	default:
		return e.fail(oops.Wrapf(ErrBadMessage, "unknown message type %d", m.Type), AlertUnexpectedMessage)
	}
}

func (e *Engine) onHello(m handshakeMessage) error {
	ex := e.ex
	switch {
	case m.Exchange == 0 && e.role == engine.Server && ex != nil && ex.number == 0 && ex.step == awaitHello:
		return e.respond(m)

	case ex != nil && !ex.initiator && ex.number == m.Exchange && ex.step == awaitClientFlight:
		if bytes.Equal(ex.msg1, m.Body) {
			// Our ServerFlight was lost.
			return e.retransmitNow()
		}

	case e.state == engine.Established && ex != nil && m.Exchange == ex.number+1:
		return e.respond(m)

	case e.state == engine.Renegotiating && ex != nil && ex.initiator &&
		ex.number == m.Exchange && ex.step == awaitServerFlight:
		// Both sides renegotiated at once. The exchange started by the
		// original client wins.
		if e.role == engine.Client {
			log.Debug("ignoring concurrent renegotiation from server")
			return nil
		}
		log.Debug("yielding to concurrent renegotiation from client")
		return e.respond(m)
	}
	log.WithFields(logger.Fields{"exchange": m.Exchange, "role": e.role.String()}).Debug("dropping unexpected ClientHello")
	return nil
}

// respond answers a ClientHello as the Noise responder.
func (e *Engine) respond(m handshakeMessage) error {
	number := m.Exchange
	if len(m.Body) < ephemeralSize {
		return e.fail(oops.Wrapf(ErrBadMessage, "short ClientHello"), AlertDecodeError)
	}
	if number == 0 && e.cookies.Enabled() {
		ephemeral := m.Body[:ephemeralSize]
		if !e.cookies.Verify(m.Cookie, e.peer, e.peerID, ephemeral) {
			log.WithFields(logger.Fields{
				"at":   "(Engine) respond",
				"peer": e.peer,
			}).Debug("ClientHello without valid cookie, sending HelloVerify")
			verify := handshakeMessage{
				Type:   msgHelloVerify,
				Cookie: e.cookies.Make(e.peer, e.peerID, ephemeral),
			}
			return e.sendRecord(ContentHandshake, verify.marshal())
		}
	}

	hs, err := e.newHandshakeState(false)
	if err != nil {
		return e.fail(err, AlertInternalError)
	}
	payload, _, _, err := hs.ReadMessage(nil, m.Body)
	if err != nil {
		return e.fail(oops.Wrapf(ErrBadMessage, "ClientHello: %v", err), AlertDecodeError)
	}
	hello, err := parseIdentity(payload)
	if err != nil {
		return e.fail(err, AlertDecodeError)
	}
	id, err := e.localIdentity(hello.Serials)
	if err != nil {
		return e.fail(err, AlertHandshakeFailure)
	}
	id.Serials = e.store.SupportedCAs()
	msg2, _, _, err := hs.WriteMessage(nil, id.marshal())
	if err != nil {
		return e.fail(oops.Wrapf(err, "failed to write ServerFlight"), AlertInternalError)
	}

	e.ex = &exchange{
		number: number,
		step:   awaitClientFlight,
		hs:     hs,
		msg1:   append([]byte(nil), m.Body...),
	}
	e.finished = nil
	if number > 0 {
		e.state = engine.Renegotiating
	}
	return e.startFlight(handshakeMessage{Type: msgServerFlight, Exchange: number, Body: msg2})
}

func (e *Engine) onHelloVerify(m handshakeMessage) error {
	ex := e.ex
	if e.role != engine.Client || ex == nil || ex.number != 0 || ex.step != awaitServerFlight || len(m.Cookie) == 0 {
		return nil
	}
	ex.cookie = m.Cookie
	e.flight = []handshakeMessage{{Type: msgClientHello, Cookie: ex.cookie, Body: ex.msg1}}
	if err := e.transmitFlight(); err != nil {
		return e.fail(err, AlertInternalError)
	}
	e.arm()
	return nil
}

func (e *Engine) onServerFlight(m handshakeMessage) error {
	ex := e.ex
	if ex == nil || !ex.initiator || ex.number != m.Exchange {
		return nil
	}
	switch ex.step {
	case awaitServerFlight:
	case awaitFinished:
		// Our ClientFlight was lost.
		return e.retransmitNow()
	default:
		return nil
	}

	payload, _, _, err := ex.hs.ReadMessage(nil, m.Body)
	if err != nil {
		return e.fail(oops.Wrapf(ErrBadMessage, "ServerFlight: %v", err), AlertDecodeError)
	}
	peer, cert, err := remoteIdentity(payload, ex.hs)
	if err != nil {
		return e.fail(err, AlertBadCertificate)
	}
	id, err := e.localIdentity(peer.Serials)
	if err != nil {
		return e.fail(err, AlertHandshakeFailure)
	}
	msg3, toResponder, toInitiator, err := ex.hs.WriteMessage(nil, id.marshal())
	if err != nil || toResponder == nil {
		return e.fail(oops.Wrapf(ErrBadMessage, "ClientFlight: %v", err), AlertInternalError)
	}

	ex.peerCert = cert
	ex.binding = append([]byte(nil), ex.hs.ChannelBinding()...)
	ex.step = awaitFinished
	e.pending = newEpoch(ex.number+1, toResponder, toInitiator)
	return e.startFlight(handshakeMessage{Type: msgClientFlight, Exchange: ex.number, Body: msg3})
}

func (e *Engine) onClientFlight(m handshakeMessage) error {
	ex := e.ex
	if ex == nil || ex.initiator || ex.number != m.Exchange {
		return nil
	}
	switch ex.step {
	case awaitClientFlight:
	case exchangeDone:
		// Our Finished was lost.
		if e.finished != nil {
			return e.sendRecord(ContentHandshake, e.finished.marshal())
		}
		return nil
	default:
		return nil
	}

	payload, toResponder, toInitiator, err := ex.hs.ReadMessage(nil, m.Body)
	if err != nil || toResponder == nil {
		return e.fail(oops.Wrapf(ErrBadMessage, "ClientFlight: %v", err), AlertDecodeError)
	}
	_, cert, err := remoteIdentity(payload, ex.hs)
	if err != nil {
		return e.fail(err, AlertBadCertificate)
	}

	ex.peerCert = cert
	ex.binding = append([]byte(nil), ex.hs.ChannelBinding()...)
	ex.step = exchangeDone
	ex.hs = nil
	e.previous = e.current
	e.current = newEpoch(ex.number+1, toInitiator, toResponder)
	e.flight = nil
	e.disarm()
	e.complete(ex)

	e.finished = &handshakeMessage{Type: msgFinished, Exchange: ex.number, Body: ex.binding}
	return e.sendRecord(ContentHandshake, e.finished.marshal())
}

func (e *Engine) onFinished(recEpoch uint16, m handshakeMessage) error {
	ex := e.ex
	if ex == nil || !ex.initiator || ex.number != m.Exchange || ex.step != awaitFinished {
		return nil
	}
	if e.pending == nil || recEpoch != e.pending.number {
		return nil
	}
	if subtle.ConstantTimeCompare(m.Body, ex.binding) != 1 {
		return e.fail(ErrBadFinished, AlertHandshakeFailure)
	}
	e.completeInitiator()
	return nil
}

// completeInitiator switches to the pending epoch once the responder is
// known to have completed the exchange.
func (e *Engine) completeInitiator() {
	ex := e.ex
	if e.pending == nil || ex == nil || !ex.initiator || ex.step != awaitFinished {
		return
	}
	e.previous = e.current
	e.current = e.pending
	e.pending = nil
	ex.step = exchangeDone
	ex.hs = nil
	e.flight = nil
	e.disarm()
	e.complete(ex)
}

func (e *Engine) complete(ex *exchange) {
	e.peerCert = ex.peerCert
	e.generation++
	e.state = engine.Established
	e.resetBackoff()
	log.WithFields(logger.Fields{
		"at":         "(Engine) complete",
		"role":       e.role.String(),
		"exchange":   ex.number,
		"epoch":      e.current.number,
		"generation": e.generation,
		"peer":       e.peerCert.Subject.CommonName,
	}).Debug("handshake exchange complete")
}

// retransmitNow resends the current flight because the peer repeated its
// previous one. The backoff schedule is left alone.
func (e *Engine) retransmitNow() error {
	if err := e.transmitFlight(); err != nil {
		return e.fail(err, AlertInternalError)
	}
	return nil
}
