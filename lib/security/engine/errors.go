package engine

import "errors"

var (
	// ErrWantRead means the engine consumed everything buffered and needs
	// more input from the peer or a timer before it can progress.
	ErrWantRead = errors.New("engine wants read")
	// ErrWouldBlock means application data cannot be sealed yet because no
	// handshake has completed.
	ErrWouldBlock = errors.New("engine would block")
	// ErrZeroReturn reports an orderly shutdown by the peer.
	ErrZeroReturn = errors.New("peer closed the channel")
	ErrBufferFull = errors.New("datagram buffer full")
	ErrClosed     = errors.New("engine closed")
)

// IsTransient reports whether err only asks the caller to wait.
func IsTransient(err error) bool {
	return err == nil || errors.Is(err, ErrWantRead) || errors.Is(err, ErrWouldBlock)
}
