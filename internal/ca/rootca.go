package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// rootCAValidity is the RootCA lifetime mandated by spec.md §4.2: ten years
// from issuance.
const rootCAValidity = 10 * 365 * 24 * time.Hour

// rootCARenewalMargin is the "> 30 days remaining at start-of-day" invariant
// from spec.md §3: a RootCA with less headroom than this is regenerated
// rather than reused.
const rootCARenewalMargin = 30 * 24 * time.Hour

// RootCA is the long-lived self-signed certificate + private key described
// in spec.md §3. There is exactly one instance per installation.
type RootCA struct {
	PrivateKey *rsa.PrivateKey
	Cert       *x509.Certificate
	// DER is the raw certificate bytes as produced by x509.CreateCertificate,
	// kept alongside the parsed Cert so CertStore can persist and re-serve
	// it without re-encoding.
	DER []byte
}

// ValidForReuse reports whether this RootCA still has enough validity
// headroom to keep serving, per the spec.md §3 invariant.
func (r *RootCA) ValidForReuse(now time.Time) bool {
	if r == nil || r.Cert == nil {
		return false
	}
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return r.Cert.NotAfter.After(startOfDay.Add(rootCARenewalMargin))
}

// generateSerial produces a unique 128-bit serial number, as spec.md §4.2
// requires for both the RootCA and every leaf it signs.
func generateSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// GenerateRootCA creates a fresh self-signed RootCA: RSA-2048, SHA-256
// signed, ten-year validity, CA-capable extensions (spec.md §4.2).
func GenerateRootCA(organization, commonName string) (*RootCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := generateSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	subject := pkix.Name{
		CommonName:   commonName,
		Organization: []string{organization},
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(-time.Hour), // clock-skew tolerance
		NotAfter:              now.Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}

	return &RootCA{PrivateKey: key, Cert: cert, DER: der}, nil
}

// subjectKeyID derives a subjectKeyIdentifier from the SHA-1 hash of the
// public key's modulus, the conventional construction for the extension
// spec.md §4.2 requires.
func subjectKeyID(pub *rsa.PublicKey) []byte {
	h := sha1.Sum(pub.N.Bytes())
	return h[:]
}
