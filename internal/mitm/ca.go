package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 5280 §4.2.1.2 method 1 key identifier, not a security hash
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// caBackdate tolerates clock skew on client devices validating the root.
const caBackdate = 2 * 24 * time.Hour

// caExpiry is how long the generated root is valid for.
const caExpiry = 10 * 365 * 24 * time.Hour

// serialBits is the bit length used for both CA and leaf serial numbers.
// 159 bits keeps the value strictly positive in DER's signed-integer
// encoding while staying well within RFC 5280 §4.1.2.2's "20 octets or
// fewer" recommendation.
const serialBits = 159

// randomSerial returns a cryptographically random, strictly positive serial
// number suitable for an X.509 certificate.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialBits))
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %v", ErrIO, err)
	}
	return serial, nil
}

// GenerateCA creates a new self-signed CA keypair. Subject equals Issuer
// (self-signed), the key usage is restricted to certificate and CRL signing,
// and ExtendedKeyUsage is narrowed to serverAuth to reduce the blast radius
// of the root if it is ever compromised.
func GenerateCA(organization, commonName string, keySize int) (*rsa.PrivateKey, Cert, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, Cert{}, fmt.Errorf("%w: generate CA key: %v", ErrIO, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, Cert{}, err
	}

	name := pkix.Name{CommonName: commonName, Organization: []string{organization}}
	now := time.Now()

	// For RSA, the subjectPublicKey BIT STRING content is the PKCS#1 encoding.
	ski := sha1.Sum(x509.MarshalPKCS1PublicKey(&key.PublicKey)) //nolint:gosec

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             now.Add(-caBackdate),
		NotAfter:              now.Add(caExpiry),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		// SubjectKeyId is set explicitly via RFC 5280 §4.2.1.2 method 1
		// (SHA-1 of the public key bit string); crypto/x509's automatic
		// derivation uses truncated SHA-256 instead.
		SubjectKeyId: ski[:],
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, Cert{}, fmt.Errorf("%w: sign CA certificate: %v", ErrIO, err)
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, Cert{}, fmt.Errorf("%w: parse generated CA certificate: %v", ErrParse, err)
	}

	return key, Cert{x: parsed}, nil
}
