package trust

import "errors"

var (
	ErrUnsupportedCA           = errors.New("unsupported CA")
	ErrBadSignature            = errors.New("unable to verify certificate, bad signature")
	ErrIdentityMismatch        = errors.New("certificate does not carry the expected identity")
	ErrNoSupportedCertificate  = errors.New("no supported certificate found")
	ErrInvalidLocalCertificate = errors.New("local certificate does not name this node")
	ErrNilCertificate          = errors.New("nil certificate")
	ErrRejectedByVerifier      = errors.New("certificate rejected by verifier")
)
