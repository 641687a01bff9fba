package idtable

import "errors"

var (
	ErrTruncated        = errors.New("packet shorter than identifier header")
	ErrUnknownLocalID   = errors.New("no association for local id")
	ErrRemoteIDMismatch = errors.New("remote id does not match association")
	ErrIDAlreadySet     = errors.New("identifier already set")
	ErrZeroID           = errors.New("identifier must be non-zero")
	ErrDuplicateLocalID = errors.New("local id already in use")
	ErrIDSpaceExhausted = errors.New("unable to allocate a free local id")
)
