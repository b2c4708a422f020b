package ca

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/captap/captap/internal/logger"
)

func TestCertStoreLoadOrInitializeGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	store := NewCertStore(dir, "captap-test", "captap Test Root CA", logger.Nop())

	root, err := store.LoadOrInitialize()
	if err != nil {
		t.Fatalf("LoadOrInitialize: %v", err)
	}
	if root == nil {
		t.Fatal("expected a non-nil RootCA")
	}

	keyPath := filepath.Join(dir, rootKeyFilename)
	certPath := filepath.Join(dir, rootCertFilename)
	if !fileExists(keyPath) {
		t.Errorf("expected key file at %s", keyPath)
	}
	if !fileExists(certPath) {
		t.Errorf("expected cert file at %s", certPath)
	}
}

func TestCertStoreLoadOrInitializeReusesExisting(t *testing.T) {
	dir := t.TempDir()
	store := NewCertStore(dir, "captap-test", "captap Test Root CA", logger.Nop())

	first, err := store.LoadOrInitialize()
	if err != nil {
		t.Fatalf("LoadOrInitialize (first): %v", err)
	}

	second, err := store.LoadOrInitialize()
	if err != nil {
		t.Fatalf("LoadOrInitialize (second): %v", err)
	}

	if first.Cert.SerialNumber.Cmp(second.Cert.SerialNumber) != 0 {
		t.Error("expected second load to reuse the persisted RootCA, got a distinct serial")
	}
}

func TestReadPEMRoundtrips(t *testing.T) {
	root := testRoot(t)
	pemBytes := ReadPEM(root)
	if len(pemBytes) == 0 {
		t.Fatal("expected non-empty PEM output")
	}
	der := ReadDER(root)
	if len(der) != len(root.DER) {
		t.Errorf("ReadDER length = %d, want %d", len(der), len(root.DER))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
