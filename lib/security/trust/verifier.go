package trust

import (
	"crypto/x509"
	"reflect"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/oops"
)

// Verifier is an extra acceptance rule for peer certificates, run after the
// CA signature check.
type Verifier interface {
	Verify(cert *x509.Certificate) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(cert *x509.Certificate) error

func (f VerifierFunc) Verify(cert *x509.Certificate) error {
	return f(cert)
}

func sameVerifier(a, b Verifier) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() || !va.Comparable() {
		return false
	}
	return va.Equal(vb)
}

// ValidityVerifier rejects certificates outside their NotBefore/NotAfter window.
type ValidityVerifier struct {
	Clock clock.Clock
}

func (v ValidityVerifier) Verify(cert *x509.Certificate) error {
	now := time.Now()
	if v.Clock != nil {
		now = v.Clock.Now()
	}
	if now.Before(cert.NotBefore) {
		return oops.Errorf("certificate not valid before %s", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return oops.Errorf("certificate expired at %s", cert.NotAfter)
	}
	return nil
}
