package ca

import (
	"testing"
	"time"
)

func TestGenerateRootCAInvariants(t *testing.T) {
	root, err := GenerateRootCA("captap-test", "captap Test Root CA")
	if err != nil {
		t.Fatalf("GenerateRootCA: %v", err)
	}

	if !root.Cert.IsCA {
		t.Error("expected IsCA true")
	}
	if !root.Cert.BasicConstraintsValid {
		t.Error("expected BasicConstraintsValid true")
	}
	if root.Cert.KeyUsage&0x20 == 0 { // KeyUsageCertSign bit
		t.Error("expected KeyUsageCertSign")
	}
	if root.Cert.Subject.CommonName != "captap Test Root CA" {
		t.Errorf("unexpected CommonName %q", root.Cert.Subject.CommonName)
	}
	if root.Cert.Issuer.CommonName != root.Cert.Subject.CommonName {
		t.Error("expected self-signed cert: issuer == subject")
	}
	if len(root.Cert.SubjectKeyId) == 0 {
		t.Error("expected a non-empty SubjectKeyId")
	}

	wantValidity := 10 * 365 * 24 * time.Hour
	gotValidity := root.Cert.NotAfter.Sub(root.Cert.NotBefore)
	if diff := gotValidity - wantValidity; diff < -2*time.Hour || diff > 2*time.Hour {
		t.Errorf("expected ~10yr validity, got %v", gotValidity)
	}

	if root.Cert.SerialNumber.BitLen() == 0 {
		t.Error("expected non-zero serial number")
	}
}

func TestRootCAValidForReuse(t *testing.T) {
	root, err := GenerateRootCA("captap-test", "captap Test Root CA")
	if err != nil {
		t.Fatalf("GenerateRootCA: %v", err)
	}

	if !root.ValidForReuse(time.Now()) {
		t.Error("freshly generated CA should be valid for reuse")
	}

	// A CA expiring in 10 days should be inside the 30-day renewal margin.
	root.Cert.NotAfter = time.Now().Add(10 * 24 * time.Hour)
	if root.ValidForReuse(time.Now()) {
		t.Error("CA within renewal margin should not be valid for reuse")
	}

	var nilRoot *RootCA
	if nilRoot.ValidForReuse(time.Now()) {
		t.Error("nil RootCA should never be valid for reuse")
	}
}

func TestGenerateSerialUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := generateSerial()
		if err != nil {
			t.Fatalf("generateSerial: %v", err)
		}
		key := s.String()
		if seen[key] {
			t.Fatalf("duplicate serial generated: %s", key)
		}
		seen[key] = true
	}
}
