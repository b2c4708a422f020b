package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"
)

// leafValidity is the leaf certificate lifetime from spec.md §4.2: one
// year from issuance.
const leafValidity = 365 * 24 * time.Hour

// LeafCert is a per-hostname certificate minted and signed by the RootCA,
// served to clients during TLS interception (spec.md §3).
type LeafCert struct {
	Hostname   string
	PrivateKey *rsa.PrivateKey
	Cert       *x509.Certificate
	DER        []byte
	TLS        *tlsCertificate
}

// tlsCertificate mirrors the shape crypto/tls.Certificate needs without
// importing crypto/tls here, so the proxy package builds the real value.
type tlsCertificate struct {
	Leaf       *x509.Certificate
	PrivateKey *rsa.PrivateKey
	DER        [][]byte
}

// expired reports whether the leaf has fallen within the same renewal
// margin the RootCA uses, so a stale cache entry gets re-minted rather
// than served past its useful life.
func (l *LeafCert) expired(now time.Time) bool {
	return !now.Before(l.Cert.NotAfter.Add(-rootCARenewalMargin))
}

// CertMinter mints and caches per-hostname leaf certificates signed by a
// single RootCA, per spec.md §4.2. Concurrent misses for the same
// hostname are coalesced with singleflight so only one signing operation
// happens per hostname at a time.
type CertMinter struct {
	root      *RootCA
	cacheSize int

	mu    sync.RWMutex
	cache map[string]*LeafCert
	lru   []string // least-recently-used order, oldest first

	group singleflight.Group
}

// NewCertMinter builds a CertMinter backed by root, caching up to
// cacheSize leaf certificates.
func NewCertMinter(root *RootCA, cacheSize int) *CertMinter {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	return &CertMinter{
		root:      root,
		cacheSize: cacheSize,
		cache:     make(map[string]*LeafCert),
	}
}

// Mint returns a valid leaf certificate for hostname, minting and caching
// a new one on first use, on expiry, or after a cache eviction. Concurrent
// calls for the same normalized hostname share a single signing operation.
func (m *CertMinter) Mint(hostname string) (*LeafCert, error) {
	normalized, err := normalizeHostname(hostname)
	if err != nil {
		return nil, fmt.Errorf("normalize hostname %q: %w", hostname, err)
	}

	if leaf := m.lookup(normalized); leaf != nil {
		return leaf, nil
	}

	v, err, _ := m.group.Do(normalized, func() (interface{}, error) {
		if leaf := m.lookup(normalized); leaf != nil {
			return leaf, nil
		}
		leaf, err := m.mintLeaf(normalized)
		if err != nil {
			return nil, err
		}
		m.store(normalized, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LeafCert), nil
}

func (m *CertMinter) lookup(hostname string) *LeafCert {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf, ok := m.cache[hostname]
	if !ok || leaf.expired(time.Now()) {
		return nil
	}
	// A hit makes hostname the most recently used entry.
	for i, h := range m.lru {
		if h == hostname {
			m.lru = append(append(m.lru[:i:i], m.lru[i+1:]...), hostname)
			break
		}
	}
	return leaf
}

func (m *CertMinter) store(hostname string, leaf *LeafCert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cache[hostname]; !exists {
		m.lru = append(m.lru, hostname)
	}
	m.cache[hostname] = leaf
	m.evictLocked()
}

// evictLocked drops the oldest cache entries once the cache exceeds its
// configured size. Caller must hold m.mu.
func (m *CertMinter) evictLocked() {
	for len(m.cache) > m.cacheSize && len(m.lru) > 0 {
		oldest := m.lru[0]
		m.lru = m.lru[1:]
		delete(m.cache, oldest)
	}
}

// Purge removes every expired entry from the cache. Intended to be called
// periodically (spec.md §4.2) so a long-lived proxy doesn't accumulate
// stale leaves between cache-size-triggered evictions.
func (m *CertMinter) Purge() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := m.lru[:0]
	for _, hostname := range m.lru {
		leaf, ok := m.cache[hostname]
		if !ok {
			continue
		}
		if leaf.expired(now) {
			delete(m.cache, hostname)
			continue
		}
		fresh = append(fresh, hostname)
	}
	m.lru = fresh
}

// mintLeaf signs a brand new leaf certificate for hostname. A DNS name
// gets the SANs DNS:hostname and DNS:*.hostname. A dotted-quad IPv4
// literal gets IP:hostname only; no DNS SANs are added for it.
func (m *CertMinter) mintLeaf(hostname string) (*LeafCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := generateSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: m.root.Cert.Subject.Organization,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
		AuthorityKeyId:        m.root.Cert.SubjectKeyId,
	}

	if ip := net.ParseIP(hostname); ip != nil && ip.To4() != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname, "*." + hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.root.Cert, &key.PublicKey, m.root.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate for %q: %w", hostname, err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse minted leaf certificate: %w", err)
	}

	return &LeafCert{
		Hostname:   hostname,
		PrivateKey: key,
		Cert:       cert,
		DER:        der,
		TLS: &tlsCertificate{
			Leaf:       cert,
			PrivateKey: key,
			DER:        [][]byte{der, m.root.DER},
		},
	}, nil
}

// normalizeHostname applies IDNA/Punycode normalization to SNI/CONNECT
// target hostnames so "Example.com" and "example.com" map to the same
// cache entry. IP literals pass through unchanged; ASCII names are
// lowercased.
func normalizeHostname(hostname string) (string, error) {
	if hostname == "" {
		return "", fmt.Errorf("empty hostname")
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		// Fall back to the lowercased original rather than failing the
		// mint outright; many real-world hostnames are not strictly
		// IDNA-conformant (e.g. trailing dots, underscores in labels).
		return toLower(hostname), nil
	}
	return ascii, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
