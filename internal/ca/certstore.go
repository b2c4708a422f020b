package ca

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/captap/captap/internal/logger"
)

const (
	rootKeyFilename  = "rootCA.key"
	rootCertFilename = "rootCA.crt"
)

// CertStore persists the RootCA to disk (spec.md §4.1). It reads
// rootCA.key/rootCA.crt from a per-install directory, generating and
// atomically writing them on first run or when the existing RootCA has
// fallen inside its renewal margin.
type CertStore struct {
	dir          string
	organization string
	commonName   string
	log          logger.Logger
}

// NewCertStore builds a CertStore rooted at dir.
func NewCertStore(dir, organization, commonName string, log logger.Logger) *CertStore {
	return &CertStore{dir: dir, organization: organization, commonName: commonName, log: log}
}

// LoadOrInitialize implements spec.md §4.1's load_or_initialize: load an
// existing RootCA from disk, or generate and persist a new one. Filesystem
// permission errors are fatal, as the spec mandates.
func (s *CertStore) LoadOrInitialize() (*RootCA, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare CA directory: %w", err)
	}

	keyPath := filepath.Join(s.dir, rootKeyFilename)
	certPath := filepath.Join(s.dir, rootCertFilename)

	root, err := s.loadFromDisk(keyPath, certPath)
	if err != nil {
		return nil, err
	}

	if root != nil && root.ValidForReuse(time.Now()) {
		s.log.Info("loaded existing root CA", "dir", s.dir, "not_after", root.Cert.NotAfter)
		return root, nil
	}

	if root != nil {
		s.log.Warn("root CA is within its renewal margin, regenerating", "not_after", root.Cert.NotAfter)
	} else {
		s.log.Info("no root CA found, generating a new one", "dir", s.dir)
	}

	fresh, err := GenerateRootCA(s.organization, s.commonName)
	if err != nil {
		return nil, fmt.Errorf("generate root CA: %w", err)
	}
	if err := s.persist(fresh, keyPath, certPath); err != nil {
		return nil, err
	}
	return fresh, nil
}

// loadFromDisk returns (nil, nil) when either file is missing (a signal to
// generate a fresh RootCA, not an error).
func (s *CertStore) loadFromDisk(keyPath, certPath string) (*RootCA, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read root CA key: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read root CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("root CA key file is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("root CA cert file is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root CA cert: %w", err)
	}

	return &RootCA{PrivateKey: key, Cert: cert, DER: certBlock.Bytes}, nil
}

// persist writes both PEM files atomically (temp file + rename), per
// spec.md §4.1, with the private key mode set to 0600.
func (s *CertStore) persist(root *RootCA, keyPath, certPath string) error {
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(root.PrivateKey),
	})
	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: root.DER,
	})

	if err := atomicWriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write root CA key: %w", err)
	}
	if err := atomicWriteFile(certPath, certPEMBytes, 0o644); err != nil {
		return fmt.Errorf("write root CA cert: %w", err)
	}
	return nil
}

func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadPEM returns the root certificate in PEM form, the format a client
// device installs as a trusted CA (spec.md §4.1).
func ReadPEM(root *RootCA) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.DER})
}

// ReadDER returns the root certificate in raw DER form.
func ReadDER(root *RootCA) []byte {
	out := make([]byte, len(root.DER))
	copy(out, root.DER)
	return out
}
