package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"software.sslmate.com/src/go-pkcs12"
)

// CreateStore bootstraps a brand-new CA and writes every artifact listed in
// spec.md §6 into dir. organization and commonName default to basename when
// empty.
func CreateStore(dir, basename string, keySize int, organization, commonName string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create confdir %s: %v", ErrIO, dir, err)
	}

	if organization == "" {
		organization = basename
	}
	if commonName == "" {
		commonName = basename
	}

	key, ca, err := GenerateCA(organization, commonName, keySize)
	if err != nil {
		return err
	}

	if err := writeSecretArtifacts(dir, basename, key, ca); err != nil {
		return err
	}
	return writePublicArtifacts(dir, basename, ca)
}

// writeSecretArtifacts writes the owner-only files: the combined
// key+cert PEM and the key-bearing PKCS12 bundle. Both are written inside a
// scoped umask acquisition so a crash mid-write never leaves a
// world-readable private key behind.
func writeSecretArtifacts(dir, basename string, key *rsa.PrivateKey, ca Cert) error {
	return withSecretUmask(func() error {
		pemPath := filepath.Join(dir, basename+"-ca.pem")
		combined := append(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}), ca.ToPEM()...)
		if err := writeFile(pemPath, combined, 0o600); err != nil {
			return err
		}

		p12Path := filepath.Join(dir, basename+"-ca.p12")
		p12, err := pkcs12.Encode(rand.Reader, key, ca.x, nil, "")
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrIO, p12Path, err)
		}
		return writeFile(p12Path, p12, 0o600)
	})
}

// writePublicArtifacts writes the world-readable files: the CA cert alone
// in PEM and .cer form, the cert-only PKCS12 trust store, and the DH
// parameters.
func writePublicArtifacts(dir, basename string, ca Cert) error {
	certPEM := ca.ToPEM()

	if err := writeFile(filepath.Join(dir, basename+"-ca-cert.pem"), certPEM, 0o644); err != nil {
		return err
	}
	// Android expects a .cer extension even though the bytes are PEM.
	if err := writeFile(filepath.Join(dir, basename+"-ca-cert.cer"), certPEM, 0o644); err != nil {
		return err
	}

	p12Path := filepath.Join(dir, basename+"-ca-cert.p12")
	trustStore, err := pkcs12.EncodeTrustStore(rand.Reader, []*x509.Certificate{ca.x}, "")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrIO, p12Path, err)
	}
	if err := writeFile(p12Path, trustStore, 0o644); err != nil {
		return err
	}

	return writeFile(filepath.Join(dir, basename+"-dhparam.pem"), defaultDHParam, 0o644)
}

// writeFile creates path with the given permission bits, truncating any
// existing file, and closes the handle on every exit path.
func writeFile(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("%w: close %s: %v", ErrIO, path, cerr)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	return nil
}

// loadDHParam reads the DH parameters from path, writing the embedded
// default blob first if the file doesn't exist yet (mirrors
// CertStore.load_dhparam in certs.py, which supports upgrading installs
// that predate dhparam support).
func loadDHParam(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := writeFile(path, defaultDHParam, 0o644); werr != nil {
			return nil, werr
		}
		data = defaultDHParam
	} else if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "DH PARAMETERS" {
		return nil, fmt.Errorf("%w: %s", ErrDHParam, path)
	}
	return data, nil
}
