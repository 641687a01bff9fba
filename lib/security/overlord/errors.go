package overlord

import "errors"

var (
	// ErrNotSecured marks inbound data that does not carry the wire marker.
	ErrNotSecured     = errors.New("packet does not carry the secured marker")
	ErrOverlordClosed = errors.New("overlord is closed")
	ErrDropped        = errors.New("packet dropped")
	ErrNilSender      = errors.New("nil sender")
)
