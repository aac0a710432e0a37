package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"
)

// leafBackdate and leafExpiry give a validity window of exactly 367 days
// (365 + the 2-day back-date), matching spec.md §8 invariant 2.
const leafBackdate = 2 * 24 * time.Hour
const leafExpiry = 365 * 24 * time.Hour

// maxCNLength is the X.520 upper bound on a CommonName attribute. A CN at
// or beyond this length is omitted from the Subject entirely.
const maxCNLength = 64

// oidSubjectAltName is the X.509 SAN extension OID (2.5.29.17).
var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// generalNameTags are the ASN.1 context-specific tag numbers used inside a
// GeneralName CHOICE, per RFC 5280 §4.2.1.6.
const (
	tagRFC822Name = 1
	tagDNSName    = 2
	tagURI        = 6
	tagIPAddress  = 7
)

// marshalGeneralNames DER-encodes a SAN GeneralNames sequence.
func marshalGeneralNames(sans []GeneralName) ([]byte, error) {
	raw := make([]asn1.RawValue, 0, len(sans))
	for _, s := range sans {
		switch s.Tag {
		case TagDNS, TagOther:
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tagDNSName, Bytes: []byte(s.Value)})
		case TagIP:
			ip := s.IP.To4()
			if ip == nil {
				ip = s.IP.To16()
			}
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tagIPAddress, Bytes: ip})
		case TagURI:
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tagURI, Bytes: []byte(s.Value)})
		case TagEmail:
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tagRFC822Name, Bytes: []byte(s.Value)})
		}
	}
	return asn1.Marshal(raw)
}

// BuildLeaf synthesizes a short-lived server certificate signed by caKey/caCert.
//
// The leaf deliberately reuses the CA's public key rather than generating a
// fresh one (spec.md §4.3): one RSA key suffices for every synthesized host,
// so the store only ever has to carry the CA's private key. The tradeoff is
// explicit in the spec's threat model (an interception proxy under the
// user's own control) and is not revisited here.
func BuildLeaf(caKey *rsa.PrivateKey, caCert Cert, commonName string, sans []GeneralName, organization string) (Cert, error) {
	serial, err := randomSerial()
	if err != nil {
		return Cert{}, err
	}

	isValidCN := commonName != "" && len(commonName) < maxCNLength

	var subject pkix.Name
	if isValidCN {
		subject.CommonName = commonName
	}
	if organization != "" {
		subject.Organization = []string{organization}
	}

	sanBytes, err := marshalGeneralNames(sans)
	if err != nil {
		return Cert{}, fmt.Errorf("%w: marshal SAN extension: %v", ErrParse, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-leafBackdate),
		NotAfter:     now.Add(leafExpiry),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		ExtraExtensions: []pkix.Extension{
			{
				// RFC 5280 §4.2.1.6: SAN is critical when the subject is
				// effectively empty of identifying information — here that
				// means "no valid CommonName", matching the reference
				// implementation's criticality rule exactly (an
				// Organization-only subject still counts as "empty" for
				// this purpose).
				Id:       oidSubjectAltName,
				Critical: !isValidCN,
				Value:    sanBytes,
			},
		},
		// SubjectKeyId is intentionally left unset. crypto/x509 only
		// auto-derives one when IsCA is true, so a non-CA template never
		// gets one — which is exactly what we want: an SKI on the leaf
		// would collide with the CA's SKI (both share the CA's public
		// key) and breaks chain building on some Windows TLS stacks
		// (SChannel), see spec.md §4.3.
	}

	// AuthorityKeyIdentifier is derived by crypto/x509.CreateCertificate
	// from caCert.SubjectKeyId automatically, since issuer != subject.
	der, err := x509.CreateCertificate(rand.Reader, template, caCert.x, &caKey.PublicKey, caKey)
	if err != nil {
		return Cert{}, fmt.Errorf("%w: sign leaf certificate: %v", ErrIO, err)
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("%w: parse generated leaf certificate: %v", ErrParse, err)
	}
	return Cert{x: parsed}, nil
}
