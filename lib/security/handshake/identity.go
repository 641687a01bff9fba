package handshake

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/samber/oops"
)

const bindingLabel = "go-secchan static key:"

func bindingMessage(static []byte) []byte {
	msg := make([]byte, 0, len(bindingLabel)+len(static))
	msg = append(msg, bindingLabel...)
	return append(msg, static...)
}

// signBinding proves that the holder of key owns the Noise static key.
func signBinding(key crypto.Signer, static []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrMissingSigner
	}
	msg := bindingMessage(static)
	if _, ok := key.Public().(ed25519.PublicKey); ok {
		return key.Sign(rand.Reader, msg, crypto.Hash(0))
	}
	sum := sha256.Sum256(msg)
	return key.Sign(rand.Reader, sum[:], crypto.SHA256)
}

func verifyBinding(cert *x509.Certificate, static, sig []byte) error {
	var algo x509.SignatureAlgorithm
	switch cert.PublicKey.(type) {
	case ed25519.PublicKey:
		algo = x509.PureEd25519
	case *ecdsa.PublicKey:
		algo = x509.ECDSAWithSHA256
	case *rsa.PublicKey:
		algo = x509.SHA256WithRSA
	default:
		return oops.Wrapf(ErrIdentityBinding, "unsupported key type %T", cert.PublicKey)
	}
	if err := cert.CheckSignature(algo, bindingMessage(static), sig); err != nil {
		return oops.Wrapf(ErrIdentityBinding, "%v", err)
	}
	return nil
}

// ownsCertificate reports whether key is the private half of cert's key.
func ownsCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}
