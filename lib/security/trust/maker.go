package trust

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/url"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// DefaultValidity is applied when a Maker has no explicit NotAfter.
const DefaultValidity = 10 * 365 * 24 * time.Hour

// Maker collects the unsigned fields of a certificate. Signing a Maker with a
// CA's Maker stamps the result with a serial derived from the CA's unsigned
// data, so every leaf shares its CA's serial.
type Maker struct {
	Subject     pkix.Name
	PublicKey   crypto.PublicKey
	NodeAddress string

	NotBefore time.Time
	NotAfter  time.Time
}

// NewMaker returns a Maker for the given subject, key and node address URI.
func NewMaker(subject pkix.Name, pub crypto.PublicKey, nodeAddress string) *Maker {
	return &Maker{
		Subject:     subject,
		PublicKey:   pub,
		NodeAddress: nodeAddress,
	}
}

// MakerFromCertificate rebuilds the unsigned view of an existing certificate,
// typically a CA loaded from disk that should sign new leaves.
func MakerFromCertificate(cert *x509.Certificate) (*Maker, error) {
	if cert == nil {
		return nil, ErrNilCertificate
	}
	m := &Maker{
		Subject:   cert.Subject,
		PublicKey: cert.PublicKey,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
	if len(cert.URIs) > 0 {
		m.NodeAddress = cert.URIs[0].String()
	}
	return m, nil
}

// UnsignedData is the canonical byte form hashed into serial numbers.
func (m *Maker) UnsignedData() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.PublicKey)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to marshal public key")
	}
	var buf bytes.Buffer
	buf.Write(der)
	buf.WriteString(m.Subject.String())
	buf.WriteString(m.NodeAddress)
	return buf.Bytes(), nil
}

// SelfSign produces a self-signed CA certificate.
func (m *Maker) SelfSign(key crypto.Signer) (*x509.Certificate, error) {
	return m.Sign(m, key)
}

// Sign produces a certificate for m issued by issuer and signed with key,
// which must be the private half of issuer.PublicKey.
func (m *Maker) Sign(issuer *Maker, key crypto.Signer) (*x509.Certificate, error) {
	unsigned, err := issuer.UnsignedData()
	if err != nil {
		return nil, err
	}
	selfSigned := issuer == m

	notBefore := m.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := m.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(DefaultValidity)
	}

	template := &x509.Certificate{
		SerialNumber:          deriveSerial(unsigned),
		Subject:               m.Subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if m.NodeAddress != "" {
		u, err := url.Parse(m.NodeAddress)
		if err != nil {
			return nil, oops.Wrapf(err, "invalid node address %q", m.NodeAddress)
		}
		template.URIs = []*url.URL{u}
	}

	parent := template
	if selfSigned {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	} else {
		parent = &x509.Certificate{
			SerialNumber: template.SerialNumber,
			Subject:      issuer.Subject,
			PublicKey:    issuer.PublicKey,
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, m.PublicKey, key)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to sign certificate for %s", m.Subject.CommonName)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to parse signed certificate")
	}
	log.WithFields(logger.Fields{
		"at":          "(Maker) Sign",
		"subject":     m.Subject.CommonName,
		"issuer":      issuer.Subject.CommonName,
		"self_signed": selfSigned,
		"serial":      SerialOf(cert),
	}).Debug("signed certificate")
	return cert, nil
}
