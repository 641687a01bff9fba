package engine

import (
	"crypto/x509"
	"time"
)

// Engine performs the handshake and the record protection for one
// association.
type Engine interface {
	// Step processes buffered input and advances the handshake. It returns
	// nil when progress was made, ErrWantRead when it is caught up, or a
	// fatal error.
	Step() error
	// Read returns the next decrypted application message, ErrWantRead when
	// none is buffered, ErrZeroReturn after a peer shutdown or a fatal error.
	Read() ([]byte, error)
	// Write seals an application message into Out. It returns ErrWouldBlock
	// until the first handshake completed.
	Write(p []byte) error

	State() State
	LastError() error
	// Generation counts completed handshakes, including renegotiations.
	Generation() uint64

	// Timeout returns the retransmission deadline, if one is armed.
	Timeout() (time.Time, bool)
	// HandleTimeout retransmits the current flight when its deadline has
	// passed and reports whether it did.
	HandleTimeout() (bool, error)

	PeerCertificate() *x509.Certificate
	Renegotiate() error
	// Shutdown queues an orderly close notification in Out.
	Shutdown() error
	Close()

	In() *Buffer
	Out() *Buffer
}
