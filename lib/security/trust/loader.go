package trust

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

const (
	caPrefix    = "ca"
	localPrefix = "lc"

	// KeyFileName is the PKCS#8 signing key stored next to the certificates.
	KeyFileName = "node.key"
)

// LoadDirectory registers every certificate in dir: files whose names begin
// with "ca" become trust anchors, files beginning with "lc" become local
// certificates. Other files are ignored. It returns the number of
// certificates loaded. A missing directory loads nothing.
func (s *Store) LoadDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		log.WithField("dir", dir).Warn("trust directory does not exist")
		return 0, nil
	}
	if err != nil {
		return 0, oops.Wrapf(err, "failed to read trust directory %s", dir)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		isCA := strings.HasPrefix(name, caPrefix)
		isLocal := strings.HasPrefix(name, localPrefix)
		if !isCA && !isLocal {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, oops.Wrapf(err, "failed to read %s", path)
		}
		cert, err := DecodeCertificate(data)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":   "(Store) LoadDirectory",
				"file": path,
			}).Warn("skipping unreadable certificate")
			continue
		}

		if isCA {
			err = s.AddCaCertificate(cert)
		} else {
			err = s.AddLocalCertificate(cert)
		}
		if err != nil {
			return loaded, oops.Wrapf(err, "failed to add %s", path)
		}
		loaded++
	}

	log.WithFields(logger.Fields{
		"at":     "(Store) LoadDirectory",
		"dir":    dir,
		"loaded": loaded,
	}).Info("loaded certificates")
	return loaded, nil
}

// WriteCertificate stores cert as PEM under dir/name.
func WriteCertificate(dir, name string, cert *x509.Certificate) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.Wrapf(err, "failed to create %s", dir)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, EncodeCertificatePEM(cert), 0o600); err != nil {
		return oops.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// LoadPrivateKey reads a PEM PKCS#8 signing key.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to read key %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, oops.Errorf("no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to parse key %s", path)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, oops.Errorf("key %s cannot sign", path)
	}
	return signer, nil
}

// WritePrivateKey stores key as PEM PKCS#8 under path.
func WritePrivateKey(path string, key crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return oops.Wrapf(err, "failed to marshal key")
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return oops.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
