package trust

import (
	"crypto/x509"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Store is the certificate handler of a node: trust anchors indexed by serial
// and the node's own signed certificates indexed by the serial of the CA that
// signed them.
type Store struct {
	mu sync.Mutex

	cas          map[Serial]*x509.Certificate
	supportedCAs []Serial

	local        map[Serial]*x509.Certificate
	localIssuers []Serial

	// localID, when set, must appear in every local certificate's SAN URIs.
	localID string

	verifiers []Verifier
}

// NewStore creates an empty store. localID may be empty, in which case local
// certificates are accepted without checking the identity they carry.
func NewStore(localID string) *Store {
	return &Store{
		cas:     make(map[Serial]*x509.Certificate),
		local:   make(map[Serial]*x509.Certificate),
		localID: localID,
	}
}

// LocalID returns the identity URI this store was created for.
func (s *Store) LocalID() string {
	return s.localID
}

// Available reports whether at least one trust anchor is loaded.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cas) > 0
}

// AddVerifier registers an additional check run by Verify after the signature
// has been validated.
func (s *Store) AddVerifier(v Verifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers = append(s.verifiers, v)
}

// RemoveVerifier unregisters the first verifier equal to v and reports
// whether one was found. Function verifiers cannot be compared and are never
// matched; register a pointer when the rule has to be removable.
func (s *Store) RemoveVerifier(v Verifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.verifiers {
		if sameVerifier(cur, v) {
			s.verifiers = append(s.verifiers[:i:i], s.verifiers[i+1:]...)
			return true
		}
	}
	return false
}

// AddCaCertificate registers a trust anchor. Re-adding a serial replaces the
// previous entry.
func (s *Store) AddCaCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}
	sn := SerialOf(cert)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cas[sn]; !exists {
		s.supportedCAs = append(s.supportedCAs, sn)
	}
	s.cas[sn] = cert
	log.WithFields(logger.Fields{
		"at":      "(Store) AddCaCertificate",
		"serial":  sn,
		"subject": cert.Subject.String(),
	}).Debug("added CA certificate")
	return nil
}

// AddLocalCertificate registers one of this node's signed certificates.
func (s *Store) AddLocalCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}
	if s.localID != "" && !HasIdentity(cert, s.localID) {
		return oops.Wrapf(ErrInvalidLocalCertificate, "expected %s", s.localID)
	}
	sn := SerialOf(cert)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.local[sn]; !exists {
		s.localIssuers = append(s.localIssuers, sn)
	}
	s.local[sn] = cert
	log.WithFields(logger.Fields{
		"at":     "(Store) AddLocalCertificate",
		"serial": sn,
	}).Debug("added local certificate")
	return nil
}

// Verify checks that cert was signed by a registered CA sharing its serial and
// that every registered Verifier accepts it.
func (s *Store) Verify(cert *x509.Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}
	sn := SerialOf(cert)

	s.mu.Lock()
	ca, ok := s.cas[sn]
	verifiers := append([]Verifier(nil), s.verifiers...)
	s.mu.Unlock()

	if !ok {
		return oops.Wrapf(ErrUnsupportedCA, "serial %s", sn)
	}
	if err := ca.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return oops.Wrapf(ErrBadSignature, "serial %s: %v", sn, err)
	}
	for _, v := range verifiers {
		if err := v.Verify(cert); err != nil {
			return oops.Wrapf(ErrRejectedByVerifier, "%v", err)
		}
	}
	return nil
}

// VerifyIdentity runs Verify and then requires one of the certificate's SAN
// URIs to equal identity.
func (s *Store) VerifyIdentity(cert *x509.Certificate, identity string) error {
	if err := s.Verify(cert); err != nil {
		return err
	}
	if !HasIdentity(cert, identity) {
		return oops.Wrapf(ErrIdentityMismatch, "expected %q", identity)
	}
	return nil
}

// FindCertificate returns the first local certificate whose issuing CA serial
// appears in candidates, honouring the order of candidates.
func (s *Store) FindCertificate(candidates []Serial) (*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range candidates {
		if cert, ok := s.local[sn]; ok {
			return cert, nil
		}
	}
	return nil, ErrNoSupportedCertificate
}

// DefaultCertificate returns the first local certificate added.
func (s *Store) DefaultCertificate() (*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.localIssuers) == 0 {
		return nil, ErrNoSupportedCertificate
	}
	return s.local[s.localIssuers[0]], nil
}

// SupportedCAs returns the serials of the registered trust anchors in the
// order they were added.
func (s *Store) SupportedCAs() []Serial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Serial(nil), s.supportedCAs...)
}

// CaCertificates returns a snapshot of the registered trust anchors.
func (s *Store) CaCertificates() []*x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*x509.Certificate, 0, len(s.supportedCAs))
	for _, sn := range s.supportedCAs {
		out = append(out, s.cas[sn])
	}
	return out
}

// LocalCertificates returns a snapshot of the node's own certificates.
func (s *Store) LocalCertificates() []*x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*x509.Certificate, 0, len(s.localIssuers))
	for _, sn := range s.localIssuers {
		out = append(out, s.local[sn])
	}
	return out
}

// HasIdentity reports whether one of the certificate's SAN URIs equals uri.
func HasIdentity(cert *x509.Certificate, uri string) bool {
	if cert == nil {
		return false
	}
	for _, u := range cert.URIs {
		if u.String() == uri {
			return true
		}
	}
	return false
}
