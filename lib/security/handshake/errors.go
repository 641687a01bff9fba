package handshake

import "errors"

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrBadRecord        = errors.New("malformed record")
	ErrBadMessage       = errors.New("malformed handshake message")
	ErrBadCookie        = errors.New("invalid cookie")
	ErrBadMAC           = errors.New("record authentication failed")
	ErrIdentityBinding  = errors.New("certificate does not own the handshake key")
	ErrBadFinished      = errors.New("finished message does not match the channel")
	ErrPeerAlert        = errors.New("peer sent a fatal alert")
	ErrNotEstablished   = errors.New("no handshake has completed")
	ErrRenegotiating    = errors.New("renegotiation already in progress")
	ErrSequenceOverflow = errors.New("record sequence space exhausted")
	ErrMissingSigner    = errors.New("no signing key configured")
)
