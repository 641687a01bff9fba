package trust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"

	"github.com/samber/oops"
)

const pemCertificateType = "CERTIFICATE"

// EncodeCertificate returns the DER form carried in handshake messages.
func EncodeCertificate(cert *x509.Certificate) []byte {
	if cert == nil {
		return nil
	}
	return append([]byte(nil), cert.Raw...)
}

// DecodeCertificate parses a DER or PEM encoded certificate.
func DecodeCertificate(data []byte) (*x509.Certificate, error) {
	if len(data) == 0 {
		return nil, oops.Errorf("empty certificate data")
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != pemCertificateType {
			return nil, oops.Errorf("no %s PEM block found", pemCertificateType)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to parse certificate")
	}
	return cert, nil
}

// EncodeCertificatePEM returns the PEM armoured form written to trust directories.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificateType, Bytes: cert.Raw})
}
