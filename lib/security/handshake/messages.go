package handshake

import (
	"fmt"

	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/samber/oops"
	"golang.org/x/crypto/cryptobyte"
)

type msgType uint8

const (
	msgClientHello  msgType = 1
	msgServerFlight msgType = 2
	msgHelloVerify  msgType = 3
	msgClientFlight msgType = 16
	msgFinished     msgType = 20
)

func (t msgType) String() string {
	switch t {
	case msgClientHello:
		return "ClientHello"
	case msgServerFlight:
		return "ServerFlight"
	case msgHelloVerify:
		return "HelloVerify"
	case msgClientFlight:
		return "ClientFlight"
	case msgFinished:
		return "Finished"
	default:
		return fmt.Sprintf("msg(%d)", uint8(t))
	}
}

// handshakeMessage is the body of a handshake record. Cookie is only used by
// ClientHello and HelloVerify; Body holds a Noise message or, for Finished,
// the channel binding.
type handshakeMessage struct {
	Type     msgType
	Exchange uint16
	Cookie   []byte
	Body     []byte
}

func (m handshakeMessage) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(m.Type))
	b.AddUint16(m.Exchange)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.Cookie)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.Body)
	})
	return b.BytesOrPanic()
}

func parseMessage(data []byte) (handshakeMessage, error) {
	var (
		m      handshakeMessage
		typ    uint8
		cookie cryptobyte.String
		body   cryptobyte.String
	)
	s := cryptobyte.String(data)
	if !s.ReadUint8(&typ) ||
		!s.ReadUint16(&m.Exchange) ||
		!s.ReadUint8LengthPrefixed(&cookie) ||
		!s.ReadUint16LengthPrefixed(&body) ||
		!s.Empty() {
		return handshakeMessage{}, ErrBadMessage
	}
	m.Type = msgType(typ)
	m.Cookie = append([]byte(nil), cookie...)
	m.Body = append([]byte(nil), body...)
	return m, nil
}

// identityPayload travels inside Noise messages. The first message only
// lists the sender's CA serials; later ones add the certificate and the
// signature binding it to the sender's static key.
type identityPayload struct {
	Certificate []byte
	Signature   []byte
	Serials     []trust.Serial
}

func (p identityPayload) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.Certificate)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.Signature)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, sn := range p.Serials {
			raw := sn.Bytes()
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(raw)
			})
		}
	})
	return b.BytesOrPanic()
}

func parseIdentity(data []byte) (identityPayload, error) {
	var (
		p       identityPayload
		cert    cryptobyte.String
		sig     cryptobyte.String
		serials cryptobyte.String
	)
	s := cryptobyte.String(data)
	if !s.ReadUint16LengthPrefixed(&cert) ||
		!s.ReadUint16LengthPrefixed(&sig) ||
		!s.ReadUint16LengthPrefixed(&serials) ||
		!s.Empty() {
		return identityPayload{}, oops.Wrapf(ErrBadMessage, "identity payload")
	}
	for !serials.Empty() {
		var raw cryptobyte.String
		if !serials.ReadUint8LengthPrefixed(&raw) {
			return identityPayload{}, oops.Wrapf(ErrBadMessage, "serial list")
		}
		p.Serials = append(p.Serials, trust.SerialFromBytes(raw))
	}
	p.Certificate = append([]byte(nil), cert...)
	p.Signature = append([]byte(nil), sig...)
	return p, nil
}
