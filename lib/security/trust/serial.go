package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"strings"
)

// Serial is the hex encoding of a certificate serial number. It is the key
// binding a CA entry to the leaves it signed.
type Serial string

// serialLength keeps derived serials well inside the 20 octet limit of RFC 5280.
const serialLength = 16

// SerialOf returns the serial of a parsed certificate.
func SerialOf(cert *x509.Certificate) Serial {
	if cert == nil || cert.SerialNumber == nil {
		return ""
	}
	return Serial(strings.ToLower(cert.SerialNumber.Text(16)))
}

// Bytes returns the big-endian serial bytes, as carried in handshake messages.
func (s Serial) Bytes() []byte {
	n, ok := new(big.Int).SetString(string(s), 16)
	if !ok {
		return nil
	}
	return n.Bytes()
}

// SerialFromBytes is the inverse of Serial.Bytes.
func SerialFromBytes(b []byte) Serial {
	return Serial(strings.ToLower(new(big.Int).SetBytes(b).Text(16)))
}

// deriveSerial hashes unsigned certificate data into a positive serial number.
func deriveSerial(unsigned []byte) *big.Int {
	sum := sha256.Sum256(unsigned)
	buf := sum[:serialLength]
	buf[0] &= 0x7f
	if buf[0] == 0 {
		buf[0] = 0x01
	}
	return new(big.Int).SetBytes(buf)
}
