package association

import "errors"

var (
	ErrClosed       = errors.New("association is closed")
	ErrInvalidState = errors.New("operation not allowed in current state")
	ErrPendingFull  = errors.New("too many messages queued before handshake completion")
)
