package mitm

import (
	"net"
	"testing"
)

func TestLegacyStringSANs_DetectsIPLiterals(t *testing.T) {
	sans, deprecated := LegacyStringSANs([]string{"192.0.2.1", "example.com"})
	if !deprecated {
		t.Error("expected deprecated=true for legacy string SANs")
	}
	if len(sans) != 2 {
		t.Fatalf("sans: got %d, want 2", len(sans))
	}
	if sans[0].Tag != TagIP || !sans[0].IP.Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("sans[0]: got %+v, want an IP GeneralName", sans[0])
	}
	if sans[1].Tag != TagDNS || sans[1].Value != "example.com" {
		t.Errorf("sans[1]: got %+v, want a DNS GeneralName", sans[1])
	}
}

func TestLegacyStringSANs_IDNAEncodesUnicodeHosts(t *testing.T) {
	sans, _ := LegacyStringSANs([]string{"café.example.com"})
	if len(sans) != 1 {
		t.Fatalf("sans: got %d, want 1", len(sans))
	}
	if sans[0].Value == "café.example.com" {
		t.Error("expected the unicode hostname to be IDNA-encoded")
	}
}

func TestCert_RoundTripsThroughPEM(t *testing.T) {
	_, ca, err := GenerateCA("Org", "Round Trip CA", 2048)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	parsed, err := FromPEM(ca.ToPEM())
	if err != nil {
		t.Fatalf("FromPEM: %v", err)
	}
	if !parsed.Equal(ca) {
		t.Error("round-tripped cert should equal the original by fingerprint")
	}
}

func TestCert_Fingerprint(t *testing.T) {
	_, ca1, err := GenerateCA("Org", "CA1", 2048)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	_, ca2, err := GenerateCA("Org", "CA2", 2048)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if ca1.Fingerprint() == ca2.Fingerprint() {
		t.Error("distinct certs should have distinct fingerprints")
	}
}

func TestCert_KeyInfo(t *testing.T) {
	_, ca, err := GenerateCA("Org", "CA", 2048)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	algo, bits := ca.KeyInfo()
	if algo != "RSA" {
		t.Errorf("algo: got %q, want RSA", algo)
	}
	if bits != 2048 {
		t.Errorf("bits: got %d, want 2048", bits)
	}
}

func TestCert_HasExpired(t *testing.T) {
	_, ca, err := GenerateCA("Org", "CA", 2048)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if ca.HasExpired() {
		t.Error("freshly generated CA should not be expired")
	}
}
